package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"willway-bot/internal/creator"
	"willway-bot/internal/dispatch"
	"willway-bot/internal/ledger"
	"willway-bot/internal/models"
	"willway-bot/internal/referral"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (*dispatch.Outcome, error)
}

type UserCounter interface {
	Counts(ctx context.Context, now time.Time) (ledger.Counts, error)
}

type Reloader interface {
	Reload() error
}

// BloggerAdmin is the administrative side of the creator store.
type BloggerAdmin interface {
	CreateBlogger(ctx context.Context, in creator.NewBlogger) (*creator.Blogger, error)
	ListBloggers(ctx context.Context) ([]creator.Blogger, error)
	SetActive(ctx context.Context, id int64, active bool) error
	RegenerateKey(ctx context.Context, id int64) (string, error)
	DeleteBlogger(ctx context.Context, id int64) error
	AddPayout(ctx context.Context, bloggerID, amount int64) (*creator.Payout, error)
	MarkPayoutPaid(ctx context.Context, payoutID int64) error
	RepairCounters(ctx context.Context) (int, error)
}

type CodeToggler interface {
	SetCodeActive(ctx context.Context, code string, active bool) error
}

// Admin is the operator API behind the bearer key.
type Admin struct {
	Dispatcher Dispatcher
	Users      UserCounter
	Bloggers   BloggerAdmin
	Codes      CodeToggler
	Settings   Reloader

	log *zap.Logger
	now func() time.Time
}

func NewAdmin(d Dispatcher, users UserCounter, bloggers BloggerAdmin, codes CodeToggler, settings Reloader, log *zap.Logger) *Admin {
	return &Admin{
		Dispatcher: d,
		Users:      users,
		Bloggers:   bloggers,
		Codes:      codes,
		Settings:   settings,
		log:        log.Named("admin"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *Admin) Register(g gin.IRoutes) {
	g.POST("/config/reload", h.ReloadConfig)
	g.GET("/stats", h.Stats)
	g.POST("/users/:id/reset", h.ResetUser)
	g.DELETE("/users/:id", h.DeleteUser)
	g.POST("/referral-codes/:code/active", h.SetCodeActive)

	g.GET("/bloggers", h.ListBloggers)
	g.POST("/bloggers", h.CreateBlogger)
	g.POST("/bloggers/:id/active", h.SetBloggerActive)
	g.POST("/bloggers/:id/key", h.RegenerateKey)
	g.DELETE("/bloggers/:id", h.DeleteBlogger)
	g.POST("/bloggers/:id/payouts", h.AddPayout)
	g.POST("/payouts/:id/paid", h.MarkPayoutPaid)
	g.POST("/bloggers/repair", h.RepairCounters)
}

func (h *Admin) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrUserNotFound), errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, creator.ErrBloggerNotFound), errors.Is(err, creator.ErrPayoutNotFound),
		errors.Is(err, referral.ErrCodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, creator.ErrInvalidAmount), errors.Is(err, dispatch.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error("admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Admin) ReloadConfig(c *gin.Context) {
	if err := h.Settings.Reload(); err != nil {
		h.log.Warn("settings reload rejected", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func (h *Admin) Stats(c *gin.Context) {
	counts, err := h.Users.Counts(c.Request.Context(), h.now())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Admin) ResetUser(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		ClearSubscription bool `json:"clear_subscription"`
	}
	// an empty body is a plain reset
	_ = c.ShouldBindJSON(&req)

	if _, err := h.Dispatcher.Dispatch(c.Request.Context(), dispatch.AdminReset{
		User:              models.MessengerID(id),
		ClearSubscription: req.ClearSubscription,
	}); err != nil {
		h.respondError(c, err)
		return
	}
	h.log.Info("user reset", zap.Int64("messenger_id", id), zap.Bool("clear_subscription", req.ClearSubscription))
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (h *Admin) DeleteUser(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if _, err := h.Dispatcher.Dispatch(c.Request.Context(), dispatch.AdminDelete{User: models.MessengerID(id)}); err != nil {
		h.respondError(c, err)
		return
	}
	h.log.Info("user deleted", zap.Int64("messenger_id", id))
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *Admin) SetCodeActive(c *gin.Context) {
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	code := referral.NormalizeCode(c.Param("code"))
	if err := h.Codes.SetCodeActive(c.Request.Context(), code, *req.Active); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "active": *req.Active})
}

func (h *Admin) ListBloggers(c *gin.Context) {
	list, err := h.Bloggers.ListBloggers(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if list == nil {
		list = []creator.Blogger{}
	}
	c.JSON(http.StatusOK, gin.H{"bloggers": list})
}

type createBloggerRequest struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email"`
	TelegramID *int64 `json:"telegram_id"`
}

func (h *Admin) CreateBlogger(c *gin.Context) {
	var req createBloggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	b, err := h.Bloggers.CreateBlogger(c.Request.Context(), creator.NewBlogger{
		Name:       req.Name,
		Email:      req.Email,
		TelegramID: req.TelegramID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"blogger": b, "access_key": b.AccessKey})
}

func (h *Admin) SetBloggerActive(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Bloggers.SetActive(c.Request.Context(), id, *req.Active); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": *req.Active})
}

func (h *Admin) RegenerateKey(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	key, err := h.Bloggers.RegenerateKey(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "access_key": key})
}

func (h *Admin) DeleteBlogger(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.Bloggers.DeleteBlogger(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Admin) AddPayout(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req struct {
		Amount int64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.Bloggers.AddPayout(c.Request.Context(), id, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Admin) MarkPayoutPaid(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.Bloggers.MarkPayoutPaid(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paid"})
}

func (h *Admin) RepairCounters(c *gin.Context) {
	fixed, err := h.Bloggers.RepairCounters(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repaired": fixed})
}

// Package payment serves the webhooks of the external payment, cancellation and creator pages.
package payment

import (
	"context"
	"crypto/subtle"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"go.uber.org/zap"

	"willway-bot/internal/creator"
	"willway-bot/internal/dispatch"
	"willway-bot/internal/identity"
	"willway-bot/internal/ledger"
	"willway-bot/internal/models"
)

// Dispatcher handles one event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (*dispatch.Outcome, error)
}

// UserReader is the read side of the user ledger.
type UserReader interface {
	FindByMessengerID(ctx context.Context, id models.MessengerID) (*models.User, error)
}

type Handler struct {
	Dispatcher Dispatcher
	Users      UserReader
	// ConversionKey guards /bot/track-conversion when set.
	ConversionKey string

	log *zap.Logger
	now func() time.Time
}

func NewHandler(d Dispatcher, users UserReader, conversionKey string, log *zap.Logger) *Handler {
	return &Handler{
		Dispatcher:    d,
		Users:         users,
		ConversionKey: conversionKey,
		log:           log.Named("payment"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Register mounts the webhook routes on g.
func (h *Handler) Register(g gin.IRoutes) {
	g.POST("/payment/track", h.Track)
	g.POST("/payment/success", h.Success)
	g.POST("/payment/check", h.Check)
	g.POST("/subscription/cancel", h.Cancel)
	g.GET("/subscription/cancel", h.CancelPage)
	g.GET("/subscription/status", h.Status)
	g.POST("/bot/track-conversion", h.TrackConversion)
}

func lookup(id ExternalID, url string) identity.Lookup {
	return identity.Lookup{ExternalID: string(id), SessionID: string(id), URL: url}
}

// statusOf maps dispatcher errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUserNotFound), errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, creator.ErrBloggerNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidEvent), errors.Is(err, identity.ErrUnresolvable),
		errors.Is(err, creator.ErrInvalidAmount):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, key string, err error, body gin.H) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		h.log.Error("webhook failed", zap.String("path", c.FullPath()), zap.Error(err))
		body["error"] = "internal error"
	} else {
		body["error"] = err.Error()
	}
	body[key] = failValue(key)
	c.JSON(code, body)
}

func failValue(key string) any {
	if key == "success" {
		return false
	}
	return "error"
}

func (h *Handler) Track(c *gin.Context) {
	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	if _, err := h.Dispatcher.Dispatch(c.Request.Context(), dispatch.PaymentTracked{Lookup: lookup(req.UserID, req.URL)}); err != nil {
		h.fail(c, "status", err, gin.H{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Success(c *gin.Context) {
	var req SuccessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	plan, ok := models.ParsePlan(req.SubscriptionType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "subscription_type must be monthly or yearly"})
		return
	}

	out, err := h.Dispatcher.Dispatch(c.Request.Context(), dispatch.PaymentSucceeded{
		Lookup:    lookup(req.UserID, req.URL),
		PaymentID: req.PaymentID,
		Plan:      plan,
		Amount:    req.Amount,
	})
	if err != nil {
		h.fail(c, "status", err, gin.H{})
		return
	}

	resp := SuccessResponse{Status: "success", SubscriptionType: string(plan), Duplicate: out.Duplicate}
	if out.User != nil {
		resp.UserID = out.User.MessengerID.String()
		resp.ExpiresAt = out.User.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}

	out, err := h.Dispatcher.Dispatch(c.Request.Context(), dispatch.PaymentChecked{Lookup: lookup(req.UserID, req.URL)})
	if err != nil {
		h.fail(c, "status", err, gin.H{})
		return
	}

	u := out.User
	c.JSON(http.StatusOK, CheckResponse{
		Status: "success",
		Data: CheckData{
			PaymentStatus: string(u.PaymentStatus),
			IsSubscribed:  u.IsActive(h.now()),
			UserID:        u.MessengerID.String(),
		},
	})
}

func (h *Handler) cancel(ctx context.Context, id ExternalID) error {
	_, err := h.Dispatcher.Dispatch(ctx, dispatch.CancellationRequested{Lookup: lookup(id, "")})
	return err
}

func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	if err := h.cancel(c.Request.Context(), req.UserID); err != nil {
		h.fail(c, "success", err, gin.H{})
		return
	}
	h.log.Info("cancellation reported", zap.String("user_id", string(req.UserID)), zap.String("source", req.Source))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

var cancelPage = template.Must(template.New("cancel").Parse(`<!DOCTYPE html>
<html lang="ru">
<head><meta charset="utf-8"><title>WILLWAY</title></head>
<body>
{{if .OK}}<h1>Подписка отменена</h1>
<p>Автопродление отключено. Доступ к приложению и каналу сохранится до конца оплаченного периода.</p>
{{else}}<h1>Не удалось отменить подписку</h1>
<p>{{.Error}}</p>
{{end}}
</body>
</html>`))

type cancelPageData struct {
	OK    bool
	Error string
}

func (h *Handler) CancelPage(c *gin.Context) {
	id := ExternalID(c.Query("user_id"))
	if id == "" {
		c.Render(http.StatusBadRequest, render.HTML{Template: cancelPage, Name: "cancel",
			Data: cancelPageData{Error: "Не указан пользователь."}})
		return
	}

	if err := h.cancel(c.Request.Context(), id); err != nil {
		code := statusOf(err)
		msg := "Пользователь не найден."
		if code == http.StatusInternalServerError {
			h.log.Error("cancellation page failed", zap.String("user_id", string(id)), zap.Error(err))
			msg = "Произошла ошибка. Пожалуйста, попробуйте позже."
		}
		c.Render(code, render.HTML{Template: cancelPage, Name: "cancel", Data: cancelPageData{Error: msg}})
		return
	}
	c.Render(http.StatusOK, render.HTML{Template: cancelPage, Name: "cancel", Data: cancelPageData{OK: true}})
}

func (h *Handler) Status(c *gin.Context) {
	id, err := models.ParseMessengerID(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "user_id must be a messenger id"})
		return
	}

	u, err := h.Users.FindByMessengerID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "success", err, gin.H{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": StatusData{
		UserID:          u.MessengerID.String(),
		IsSubscribed:    u.IsActive(h.now()),
		Plan:            string(u.Plan),
		ExpiresAt:       u.ExpiresAt,
		PaymentStatus:   string(u.PaymentStatus),
		CancelRequested: u.CancelRequestedAt != nil,
	}})
}

func (h *Handler) TrackConversion(c *gin.Context) {
	var req ConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if h.ConversionKey != "" && subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.ConversionKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid api key"})
		return
	}
	user, err := models.ParseMessengerID(string(req.UserID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "user_id must be a messenger id"})
		return
	}

	out, err := h.Dispatcher.Dispatch(c.Request.Context(), dispatch.CreatorConversion{
		RefCode:    req.RefCode,
		User:       user,
		Amount:     req.Amount,
		PurchaseID: req.PurchaseID,
	})
	if err != nil {
		h.fail(c, "success", err, gin.H{})
		return
	}

	resp := ConversionResponse{Success: true, Duplicate: out.Duplicate}
	if res := out.Creator; res != nil {
		resp.BloggerID = res.BloggerID
		resp.ReferralID = res.ReferralID
		resp.Commission = res.Commission
		resp.LateBound = res.LateBound
	}
	c.JSON(http.StatusOK, resp)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"willway-bot/internal/config"
	"willway-bot/internal/creator"
)

// CreatorStore is the part of the creator store the console reads.
type CreatorStore interface {
	BloggerByKey(ctx context.Context, key string) (*creator.Blogger, error)
	Stats(ctx context.Context, b *creator.Blogger) (*creator.Stats, error)
	Referrals(ctx context.Context, bloggerID int64, page, perPage int) (*creator.ReferralPage, error)
	Earnings(ctx context.Context, bloggerID int64) (*creator.Earnings, error)
}

type SettingsSource interface {
	Current() config.Settings
}

// Console serves the creator console. Every call authenticates by access key.
type Console struct {
	Store    CreatorStore
	Settings SettingsSource
	log      *zap.Logger
}

func NewConsole(store CreatorStore, settings SettingsSource, log *zap.Logger) *Console {
	return &Console{Store: store, Settings: settings, log: log.Named("console")}
}

func (h *Console) Register(g gin.IRoutes) {
	g.POST("/blogger/verify-key", h.VerifyKey)
	g.GET("/blogger/stats", h.Stats)
	g.GET("/blogger/referrals", h.Referrals)
	g.GET("/blogger/referral-link", h.ReferralLink)
	g.GET("/blogger/earnings", h.Earnings)
}

// authenticate writes the error response itself and returns nil when the key is unusable.
func (h *Console) authenticate(c *gin.Context, key string) *creator.Blogger {
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Не указан ключ доступа"})
		return nil
	}
	b, err := h.Store.BloggerByKey(c.Request.Context(), creator.StripRefPrefix(key))
	if errors.Is(err, creator.ErrBloggerNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Неверный ключ доступа"})
		return nil
	}
	if err != nil {
		h.internal(c, "authenticate", err)
		return nil
	}
	return b
}

func (h *Console) internal(c *gin.Context, op string, err error) {
	h.log.Error("console request failed", zap.String("op", op), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
}

func (h *Console) VerifyKey(c *gin.Context) {
	var req struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Не указан ключ доступа"})
		return
	}
	b := h.authenticate(c, req.Key)
	if b == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "blogger_id": b.ID, "blogger_name": b.Name})
}

func (h *Console) Stats(c *gin.Context) {
	b := h.authenticate(c, c.Query("key"))
	if b == nil {
		return
	}
	stats, err := h.Store.Stats(c.Request.Context(), b)
	if err != nil {
		h.internal(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}

func (h *Console) Referrals(c *gin.Context) {
	b := h.authenticate(c, c.Query("key"))
	if b == nil {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))

	out, err := h.Store.Referrals(c.Request.Context(), b.ID, page, perPage)
	if err != nil {
		h.internal(c, "referrals", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

func (h *Console) ReferralLink(c *gin.Context) {
	b := h.authenticate(c, c.Query("key"))
	if b == nil {
		return
	}
	link := fmt.Sprintf("https://t.me/%s?start=ref_%s", h.Settings.Current().BotUsername, b.AccessKey)
	c.JSON(http.StatusOK, gin.H{"success": true, "referral_link": link, "access_key": b.AccessKey})
}

func (h *Console) Earnings(c *gin.Context) {
	b := h.authenticate(c, c.Query("key"))
	if b == nil {
		return
	}
	e, err := h.Store.Earnings(c.Request.Context(), b.ID)
	if err != nil {
		h.internal(c, "earnings", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": e})
}

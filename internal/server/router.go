// Package server assembles the HTTP surface: payment webhooks, the creator console and the admin API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"willway-bot/internal/payment"
	"willway-bot/internal/utils"
)

type Options struct {
	AllowedOrigins      []string
	WebhookAllowedCIDRs []string
	AdminAPIKey         string
}

// Handlers groups the route sets mounted by New.
type Handlers struct {
	Payments *payment.Handler
	Console  *Console
	Admin    *Admin
}

// New builds the router. Webhooks are mounted both at the root and under /api/v1.
func New(h Handlers, opts Options, log *zap.Logger) (*gin.Engine, error) {
	allow, err := utils.NewIPAllowList(opts.WebhookAllowedCIDRs)
	if err != nil {
		return nil, err
	}
	log = log.Named("http")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Logger(log))
	r.Use(Metrics())
	r.Use(SetupCORS(opts.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	for _, prefix := range []string{"/", "/api/v1"} {
		webhooks := r.Group(prefix)
		webhooks.Use(AllowIPs(allow, log))
		h.Payments.Register(webhooks)

		if h.Console != nil {
			h.Console.Register(r.Group(prefix))
		}
	}

	if h.Admin != nil {
		admin := r.Group("/admin")
		admin.Use(BearerAuth(opts.AdminAPIKey, log))
		h.Admin.Register(admin)
	}
	return r, nil
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

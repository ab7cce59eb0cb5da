// Package app wires configuration, stores and workers into a running process.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"willway-bot/internal/assistant"
	"willway-bot/internal/bot"
	"willway-bot/internal/config"
	"willway-bot/internal/creator"
	"willway-bot/internal/database"
	"willway-bot/internal/dispatch"
	"willway-bot/internal/identity"
	"willway-bot/internal/ledger"
	"willway-bot/internal/outbox"
	"willway-bot/internal/payment"
	"willway-bot/internal/referral"
	"willway-bot/internal/server"
	"willway-bot/internal/worker"
)

// App holds the long-lived dependencies shared by every command.
type App struct {
	Config     *config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	Creators   *creator.Store
	Settings   *config.SettingsStore
	Users      *ledger.Ledger
	Referrals  *referral.Ledger
	Dispatcher *dispatch.Dispatcher

	creatorDB *sqlx.DB
	redis     *redis.Client
}

// New connects the stores and builds the dispatcher.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log}

	settings, err := config.LoadSettings(cfg.SettingsFile, log)
	if err != nil {
		return nil, err
	}
	a.Settings = settings

	if a.DB, err = database.ConnectPostgres(cfg, log); err != nil {
		return nil, err
	}
	if a.creatorDB, err = database.ConnectCreatorStore(cfg, log); err != nil {
		a.Close()
		return nil, err
	}
	a.Creators = creator.NewStore(a.creatorDB, log)
	if err := a.Creators.Migrate(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var sessions identity.SessionStore = identity.NewMemorySessions(cfg.SessionTTL)
	if cfg.SessionStore == "redis" {
		if a.redis, err = database.ConnectRedis(ctx, cfg, log); err != nil {
			a.Close()
			return nil, err
		}
		sessions = identity.NewRedisSessions(a.redis, cfg.SessionTTL)
	}

	a.Users = ledger.New(a.DB, log)
	a.Referrals = referral.New(log)
	a.Dispatcher = dispatch.New(a.DB, identity.NewResolver(sessions, log), a.Referrals, a.Creators, a.Settings,
		dispatch.Options{
			AdminIDs:                cfg.AdminIDs,
			PaymentReminderThrottle: cfg.PaymentReminderThrottle,
			CancellationNoticeDelay: cfg.CancellationNoticeDelay,
			PaymentDedupWindow:      cfg.PaymentDedupWindow,
		}, log)
	return a, nil
}

// Close releases every connection New opened.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.creatorDB != nil {
		_ = a.creatorDB.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// Checker returns the reconciliation worker.
func (a *App) Checker() *worker.Checker {
	return worker.NewChecker(a.Dispatcher, a.Users, a.Config.CheckerInterval, a.Config.PaymentReminderDelay, a.Log)
}

// Serve runs the bot, the outbox worker, the checker and the HTTP server until ctx ends or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config
	if cfg.BotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	if err := a.Settings.Watch(ctx); err != nil {
		return err
	}

	help := assistant.New(assistant.NewClient(cfg.LLMURL, cfg.LLMKey, cfg.LLMModel, cfg.LLMTimeout), a.DB, a.Settings, a.Log)
	tg, err := bot.NewBot(cfg.BotToken, a.Dispatcher, a.Settings, help, cfg.AdminIDs, a.Log)
	if err != nil {
		return err
	}

	deliveries := outbox.NewWorker(a.DB, bot.NewNotifier(tg.Instance, a.Settings), outbox.Options{
		Workers:      cfg.OutboxWorkers,
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
		PollInterval: cfg.OutboxPollInterval,
	}, a.Log)

	router, err := server.New(server.Handlers{
		Payments: payment.NewHandler(a.Dispatcher, a.Users, cfg.CreatorAPIKey, a.Log),
		Console:  server.NewConsole(a.Creators, a.Settings, a.Log),
		Admin: server.NewAdmin(a.Dispatcher, a.Users, a.Creators, referral.Codes{DB: a.DB, Ledger: a.Referrals},
			a.Settings, a.Log),
	}, server.Options{
		AllowedOrigins:      cfg.AllowedOrigins,
		WebhookAllowedCIDRs: cfg.WebhookAllowedCIDRs,
		AdminAPIKey:         cfg.AdminAPIKey,
	}, a.Log)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deliveries.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Checker().Start(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Serve(ctx, cfg.HTTPAddr, router, a.Log)
	})
	g.Go(func() error {
		return tg.Start(ctx)
	})

	a.Log.Info("service started", zap.String("http_addr", cfg.HTTPAddr))
	return g.Wait()
}

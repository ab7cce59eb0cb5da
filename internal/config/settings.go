package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Settings is the reloadable key-value file the bot reads prices, links and texts from.
type Settings struct {
	BotToken          string `mapstructure:"bot_token"`
	BotUsername       string `mapstructure:"bot_username"`
	MonthlyPrice      int64  `mapstructure:"monthly_price"`
	YearlyPrice       int64  `mapstructure:"yearly_price"`
	RewardDays        int    `mapstructure:"reward_days"`
	CommissionPercent int64  `mapstructure:"commission_percent"`
	PaymentPageURL    string `mapstructure:"payment_page_url"`
	CancelURL         string `mapstructure:"cancel_subscription_url"`
	ReviewsURL        string `mapstructure:"reviews_url"`
	ChannelURL        string `mapstructure:"channel_url"`
	ManagerHandle     string `mapstructure:"manager_handle"`
	TrainerHandle     string `mapstructure:"trainer_handle"`
	WelcomeVideoID    string `mapstructure:"welcome_video_id"`
	WelcomePhotoID    string `mapstructure:"welcome_photo_id"`
	AssistantPrompt   string `mapstructure:"assistant_prompt"`
}

// Price returns the configured price of a plan in minor units.
func (s Settings) Price(plan string) int64 {
	switch plan {
	case "monthly":
		return s.MonthlyPrice
	case "yearly":
		return s.YearlyPrice
	}
	return 0
}

func setSettingsDefaults(v *viper.Viper) {
	v.SetDefault("monthly_price", 1555)
	v.SetDefault("yearly_price", 13333)
	v.SetDefault("reward_days", 30)
	v.SetDefault("commission_percent", 20)
	v.SetDefault("payment_page_url", "https://willway.pro/payment")
	v.SetDefault("cancel_subscription_url", "https://willway.pro/cancel")
	v.SetDefault("reviews_url", "https://t.me/willway_reviews")
	v.SetDefault("manager_handle", "willway_manager")
	v.SetDefault("trainer_handle", "willway_trainer")
	v.SetDefault("assistant_prompt", "Ты дружелюбный ассистент по здоровью и фитнесу. Отвечай кратко и по делу.")
}

// SettingsStore owns the current Settings and swaps them atomically on reload.
type SettingsStore struct {
	path string
	log  *zap.Logger

	mu      sync.RWMutex
	current Settings
}

// LoadSettings reads path if it exists. A missing file leaves the defaults in place,
// an unreadable or malformed one is an error.
func LoadSettings(path string, log *zap.Logger) (*SettingsStore, error) {
	s := &SettingsStore{path: path, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns a copy of the active settings.
func (s *SettingsStore) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the file into a fresh viper instance. On failure the previous settings stay active.
func (s *SettingsStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := viper.New()
	setSettingsDefaults(v)
	v.SetEnvPrefix("WILLWAY")
	v.AutomaticEnv()
	if s.path != "" {
		v.SetConfigFile(s.path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to read settings: %w", err)
			}
			s.log.Warn("settings file not found, using defaults", zap.String("path", s.path))
		}
	}

	var next Settings
	if err := v.Unmarshal(&next); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	if next.MonthlyPrice <= 0 || next.YearlyPrice <= 0 {
		return fmt.Errorf("invalid settings: prices must be positive")
	}
	if next.CommissionPercent < 0 || next.CommissionPercent > 100 {
		return fmt.Errorf("invalid settings: commission_percent out of range")
	}
	if next.RewardDays <= 0 {
		return fmt.Errorf("invalid settings: reward_days must be positive")
	}

	s.current = next
	return nil
}

// Watch reloads the settings whenever the file changes on disk, until ctx ends.
// The directory is watched so editors that replace the file are noticed.
func (s *SettingsStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	if _, err := os.Stat(s.path); err != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch settings: %w", err)
	}
	go s.watch(ctx, w)
	return nil
}

func (s *SettingsStore) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != target || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.Error("settings reload failed", zap.String("file", e.Name), zap.Error(err))
				continue
			}
			s.log.Info("settings reloaded", zap.String("file", e.Name))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("settings watcher error", zap.Error(err))
		}
	}
}

// Package assistant answers subscriber questions through an LLM, keeping a short per-user history.
package assistant

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"willway-bot/internal/config"
	"willway-bot/internal/metrics"
	"willway-bot/internal/models"
)

// HistoryTurns is how many stored messages are replayed as context.
const HistoryTurns = 10

// ErrUnavailable is returned when the model cannot answer right now.
var ErrUnavailable = errors.New("assistant unavailable")

type SettingsSource interface {
	Current() config.Settings
}

type Assistant struct {
	client   *Client
	db       *gorm.DB
	settings SettingsSource
	log      *zap.Logger
}

func New(client *Client, db *gorm.DB, settings SettingsSource, log *zap.Logger) *Assistant {
	return &Assistant{client: client, db: db, settings: settings, log: log.Named("assistant")}
}

// Ask sends question with the recent history and stores both turns on success.
func (a *Assistant) Ask(ctx context.Context, user models.UserID, question string) (string, error) {
	if a.client == nil || a.client.APIKey == "" {
		metrics.AssistantRequestsTotal.WithLabelValues("disabled").Inc()
		return "", ErrUnavailable
	}

	history, err := a.History(ctx, user)
	if err != nil {
		return "", err
	}

	messages := make([]ChatMessage, 0, len(history)+2)
	if prompt := a.settings.Current().AssistantPrompt; prompt != "" {
		messages = append(messages, ChatMessage{Role: RoleSystem, Content: prompt})
	}
	for _, m := range history {
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: RoleUser, Content: question})

	answer, err := a.client.Complete(ctx, messages)
	if err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		metrics.AssistantRequestsTotal.WithLabelValues(result).Inc()
		a.log.Warn("assistant request failed", zap.Uint("user_id", uint(user)), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.AssistantRequestsTotal.WithLabelValues("ok").Inc()

	turns := []models.AssistantMessage{
		{UserID: user, Role: RoleUser, Content: question},
		{UserID: user, Role: RoleAssistant, Content: answer},
	}
	if err := a.db.WithContext(ctx).Create(&turns).Error; err != nil {
		a.log.Error("failed to store assistant history", zap.Uint("user_id", uint(user)), zap.Error(err))
	}
	return answer, nil
}

// History returns the last HistoryTurns messages in chronological order.
func (a *Assistant) History(ctx context.Context, user models.UserID) ([]models.AssistantMessage, error) {
	var rows []models.AssistantMessage
	err := a.db.WithContext(ctx).
		Where("user_id = ?", user).
		Order("id DESC").
		Limit(HistoryTurns).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load assistant history of %d: %w", user, err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

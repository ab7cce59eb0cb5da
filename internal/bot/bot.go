// Package bot adapts Telegram updates to dispatcher events and renders the outcome back to the chat.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"willway-bot/internal/config"
	"willway-bot/internal/dispatch"
	"willway-bot/internal/funnel"
	"willway-bot/internal/identity"
	"willway-bot/internal/models"
)

const (
	textFailure     = "Произошла ошибка. Пожалуйста, попробуйте снова."
	textAssistantNA = "Извините, сейчас я не могу ответить. Пожалуйста, попробуйте позже."
)

// Dispatcher handles one event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (*dispatch.Outcome, error)
}

// Asker answers subscriber questions.
type Asker interface {
	Ask(ctx context.Context, user models.UserID, question string) (string, error)
}

// SettingsReloader is the settings store as seen by the admin command.
type SettingsReloader interface {
	Current() config.Settings
	Reload() error
}

type Bot struct {
	Instance   *telego.Bot
	Dispatcher Dispatcher
	Settings   SettingsReloader
	Assistant  Asker
	AdminIDs   []int64

	log *zap.Logger
	now func() time.Time
}

func NewBot(token string, d Dispatcher, settings SettingsReloader, assistant Asker, adminIDs []int64, log *zap.Logger) (*Bot, error) {
	tgBot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance:   tgBot,
		Dispatcher: d,
		Settings:   settings,
		Assistant:  assistant,
		AdminIDs:   adminIDs,
		log:        log.Named("bot"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start long-polls updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updates, err := b.Instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.Instance, updates)
	if err != nil {
		return fmt.Errorf("failed to create update handler: %w", err)
	}

	handler.Handle(b.onStart, th.CommandEqual("start"))
	handler.Handle(b.onReloadConfig, th.CommandEqual("reload_config"))
	handler.Handle(b.onCallback, th.AnyCallbackQuery())
	handler.Handle(b.onText, th.AnyMessageWithText())

	go func() {
		<-ctx.Done()
		handler.Stop()
	}()

	b.log.Info("bot started", zap.String("username", b.Settings.Current().BotUsername))
	handler.Start()
	return nil
}

func (b *Bot) onStart(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil {
		return nil
	}

	args := ""
	if parts := strings.Fields(message.Text); len(parts) > 1 {
		args = parts[1]
	}

	out, err := b.Dispatcher.Dispatch(ctx.Context(), dispatch.StartCommand{
		From:    models.MessengerID(message.From.ID),
		Profile: profileOf(message.From),
		Arg:     args,
	})
	b.reply(ctx, message.Chat.ID, out, err)
	return nil
}

func (b *Bot) onReloadConfig(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil || !b.isAdmin(message.From.ID) {
		return nil
	}

	text := "✅ Конфигурация успешно перезагружена!"
	if err := b.Settings.Reload(); err != nil {
		b.log.Error("settings reload failed", zap.Int64("admin", message.From.ID), zap.Error(err))
		text = fmt.Sprintf("❌ Не удалось перезагрузить конфигурацию: %v", err)
	}
	_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), text))
	return nil
}

func (b *Bot) onCallback(ctx *th.Context, update telego.Update) error {
	callback := update.CallbackQuery
	_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))

	out, err := b.Dispatcher.Dispatch(ctx.Context(), dispatch.DialogInput{
		From:    models.MessengerID(callback.From.ID),
		Profile: profileOf(&callback.From),
		Input:   funnel.Callback(callback.Data),
	})
	b.reply(ctx, callback.From.ID, out, err)
	return nil
}

func (b *Bot) onText(ctx *th.Context, update telego.Update) error {
	message := update.Message
	if message.From == nil || strings.HasPrefix(message.Text, "/") {
		return nil
	}

	out, err := b.Dispatcher.Dispatch(ctx.Context(), dispatch.DialogInput{
		From:    models.MessengerID(message.From.ID),
		Profile: profileOf(message.From),
		Input:   funnel.Text(message.Text),
	})
	b.reply(ctx, message.Chat.ID, out, err)

	if err == nil && out.User != nil && out.Result.Has(funnel.EffectAskAssistant) {
		b.askAssistant(ctx, message.Chat.ID, out.User.ID, message.Text)
	}
	return nil
}

// askAssistant runs outside the dispatcher so the user lock is not held during the model call.
func (b *Bot) askAssistant(ctx *th.Context, chatID int64, user models.UserID, question string) {
	_ = ctx.Bot().SendChatAction(ctx.Context(), tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))

	answer, err := b.Assistant.Ask(ctx.Context(), user, question)
	if err != nil {
		answer = textAssistantNA
	}
	r := Reply{Text: answer, Keyboard: tu.InlineKeyboard(backRow())}
	if err := sendReply(ctx.Context(), ctx.Bot(), chatID, r); err != nil {
		b.log.Warn("failed to send assistant answer", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (b *Bot) reply(ctx *th.Context, chatID int64, out *dispatch.Outcome, err error) {
	if err != nil {
		if !errors.Is(err, dispatch.ErrInvalidEvent) {
			b.log.Error("failed to handle update", zap.Int64("chat", chatID), zap.Error(err))
		}
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(chatID), textFailure))
		return
	}
	if out == nil || out.User == nil {
		return
	}

	replies := Render(View{
		User:     out.User,
		Result:   out.Result,
		Code:     out.Code,
		Invited:  out.Invited,
		Settings: b.Settings.Current(),
		Now:      b.now(),
	})
	for _, r := range replies {
		if err := sendReply(ctx.Context(), ctx.Bot(), chatID, r); err != nil {
			b.log.Warn("failed to send reply", zap.Int64("chat", chatID), zap.Error(err))
			return
		}
	}
}

func (b *Bot) isAdmin(id int64) bool {
	for _, admin := range b.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

func profileOf(u *telego.User) identity.Profile {
	return identity.Profile{Username: u.Username, FirstName: u.FirstName}
}

package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	ta "github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"willway-bot/internal/config"
	"willway-bot/internal/funnel"
	"willway-bot/internal/models"
	"willway-bot/internal/outbox"
)

const appURL = "https://willway.pro/"

// SettingsSource returns the current bot settings.
type SettingsSource interface {
	Current() config.Settings
}

// Notifier delivers outbox messages through the Telegram API.
type Notifier struct {
	api      *telego.Bot
	settings SettingsSource
}

func NewNotifier(api *telego.Bot, settings SettingsSource) *Notifier {
	return &Notifier{api: api, settings: settings}
}

func (n *Notifier) Send(ctx context.Context, recipient models.MessengerID, kind outbox.Kind, p outbox.Payload) error {
	r, err := RenderNotification(kind, p, n.settings.Current())
	if err != nil {
		return err
	}
	return classify(sendReply(ctx, n.api, int64(recipient), r))
}

// classify marks errors after which retrying the same chat is pointless.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *ta.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.ErrorCode == 403:
		return fmt.Errorf("%w: %s", outbox.ErrInvalidRecipient, apiErr.Description)
	case apiErr.ErrorCode == 400 && unreachable(apiErr.Description):
		return fmt.Errorf("%w: %s", outbox.ErrInvalidRecipient, apiErr.Description)
	}
	return err
}

func unreachable(description string) bool {
	d := strings.ToLower(description)
	for _, s := range []string{"chat not found", "user is deactivated", "peer_id_invalid", "bot was blocked"} {
		if strings.Contains(d, s) {
			return true
		}
	}
	return false
}

// RenderNotification builds the message for one outbox kind.
func RenderNotification(kind outbox.Kind, p outbox.Payload, s config.Settings) (Reply, error) {
	switch kind {
	case outbox.KindWelcome:
		rows := [][]telego.InlineKeyboardButton{
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Доступ к приложению").WithURL(appURL)),
		}
		if s.ChannelURL != "" {
			rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("Вступить в канал").WithURL(s.ChannelURL)))
		}
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("Меню").WithCallbackData(funnel.CallbackMenu)))
		return Reply{
			Text: "Спасибо за доверие. Ты сделал правильный выбор! " +
				"Мы постараемся сделать все, чтобы помочь тебе прийти к своей цели.\n\n" +
				fmt.Sprintf("Твоя %s подписка действует до %s.\n\n", PlanName(p.Plan), FormatDate(p.ExpiresAt)) +
				"По кнопкам внизу ты можешь:\n" +
				"- получить доступ к приложению и личному кабинету, где тебя ждут твои программы,\n\n" +
				"- добавиться в канал с анонсами мероприятий, прямых эфиров и просто " +
				"полезной информацией о физическом и ментальном здоровье\n\n" +
				"По кнопке menu ты можешь:\n" +
				"- пообщаться с Health-ассистентом, подобрать программу питания, сделать разбор анализов\n" +
				"- управлять своей подпиской,\n" +
				"- связаться с поддержкой, задать вопрос тренеру/нутрициологу/психологу\n" +
				"- пригласить в наш сервис друга и получить бонусы",
			Keyboard: tu.InlineKeyboard(rows...),
			PhotoID:  s.WelcomePhotoID,
		}, nil
	case outbox.KindReferralBonus:
		return Reply{
			Text: fmt.Sprintf("🎁 Твой друг %s оформил подписку!\n\nТебе начислено +%d дней. Подписка действует до %s.",
				p.FromName, p.Days, FormatDate(p.ExpiresAt)),
		}, nil
	case outbox.KindCancellationNotice:
		return Reply{
			Text: "Статус подписки WILLWAY\n🔴 Отменена\n\n" +
				fmt.Sprintf("Доступ к приложению и каналу сохранится до %s\n\n", FormatDate(p.ExpiresAt)) +
				"Возобнови подписку, чтобы сохранить доступ",
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Возобновить подписку").WithCallbackData(funnel.CallbackRenew)),
				backRow(),
			),
		}, nil
	case outbox.KindPaymentReminder:
		return Reply{
			Text: "Мы видим, что ты начал(а) процесс оформления подписки, но не завершил оплату.\n\n" +
				"Если у тебя возникли вопросы или нужна помощь с оплатой, просто напиши мне здесь " +
				"и я с радостью помогу тебе",
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Варианты WILLWAY подписки").WithCallbackData(funnel.CallbackShowPlans)),
			),
		}, nil
	case outbox.KindDoubtFeedback:
		return Reply{
			Text: fmt.Sprintf("Пользователь %s (%d) отказался от подписки после серии сомнений.\n\nПоследний выбор: %s\nПричина: %s",
				p.FromName, p.FromID, p.Choice, p.Text),
		}, nil
	case outbox.KindExpiryReminder:
		return Reply{
			Text: fmt.Sprintf("⚠️ Ваша подписка истекает через сутки (%s)! Пожалуйста, продлите её, чтобы не потерять доступ.",
				FormatDate(p.ExpiresAt)),
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Продлить подписку").WithCallbackData(funnel.CallbackRenew)),
			),
		}, nil
	case outbox.KindSubscriptionExpired:
		return Reply{
			Text: "❌ Ваша подписка истекла. Доступ к приложению и Health ассистенту закрыт.\n\n" +
				"Оформите подписку снова, чтобы вернуть доступ.",
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Варианты WILLWAY подписки").WithCallbackData(funnel.CallbackShowPlans)),
			),
		}, nil
	}
	return Reply{}, fmt.Errorf("unknown notification kind %q", kind)
}

// sendReply sends r as a text, photo or video message.
func sendReply(ctx context.Context, api *telego.Bot, chatID int64, r Reply) error {
	switch {
	case r.VideoID != "":
		params := tu.Video(tu.ID(chatID), tu.FileFromID(r.VideoID)).WithCaption(r.Text)
		if r.Markdown {
			params = params.WithParseMode(telego.ModeMarkdown)
		}
		if r.Keyboard != nil {
			params = params.WithReplyMarkup(r.Keyboard)
		}
		_, err := api.SendVideo(ctx, params)
		return err
	case r.PhotoID != "":
		params := tu.Photo(tu.ID(chatID), tu.FileFromID(r.PhotoID)).WithCaption(r.Text)
		if r.Markdown {
			params = params.WithParseMode(telego.ModeMarkdown)
		}
		if r.Keyboard != nil {
			params = params.WithReplyMarkup(r.Keyboard)
		}
		_, err := api.SendPhoto(ctx, params)
		return err
	}
	params := tu.Message(tu.ID(chatID), r.Text)
	if r.Markdown {
		params = params.WithParseMode(telego.ModeMarkdown)
	}
	if r.Keyboard != nil {
		params = params.WithReplyMarkup(r.Keyboard)
	}
	_, err := api.SendMessage(ctx, params)
	return err
}

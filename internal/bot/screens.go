package bot

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"willway-bot/internal/config"
	"willway-bot/internal/funnel"
	"willway-bot/internal/models"
	"willway-bot/internal/referral"
)

// Reply is one outgoing message.
type Reply struct {
	Text     string
	Markdown bool
	Keyboard *telego.InlineKeyboardMarkup
	// PhotoID or VideoID turn the reply into a media message with Text as caption.
	PhotoID string
	VideoID string
}

// View is everything a screen is rendered from.
type View struct {
	User     *models.User
	Result   funnel.Result
	Code     string
	Invited  referral.Stats
	Settings config.Settings
	Now      time.Time
}

const (
	textInvalidNumber = "Пожалуйста, введи число."
	textMenu          = "Рад видеть вас снова! Выберите действие из меню:"
	textPlans         = "Варианты WILLWAY подписки:"
	textCancelPending = "❗️ Подписка пока НЕ отменена❗️"
)

func backRow() []telego.InlineKeyboardButton {
	return tu.InlineKeyboardRow(tu.InlineKeyboardButton("Вернуться в меню").WithCallbackData(funnel.CallbackMenu))
}

// Render turns a funnel result into the messages the user sees.
func Render(v View) []Reply {
	u := v.User
	s := v.Settings
	r := v.Result

	var prefix []Reply
	if r.Invalid {
		switch r.Screen {
		case funnel.ScreenAge, funnel.ScreenHeight, funnel.ScreenWeight:
			prefix = append(prefix, Reply{Text: textInvalidNumber})
		}
	}

	switch r.Screen {
	case funnel.ScreenNone:
		return prefix
	case funnel.ScreenWelcome:
		return append(prefix, welcome(u, s))
	case funnel.ScreenMainMenu:
		return append(prefix, mainMenu(u, v.Now))
	case funnel.ScreenGender:
		return append(prefix, choice("Выберите ваш пол:", funnel.Genders, funnel.GenderCallback, nil, ""))
	case funnel.ScreenAge:
		return append(prefix, Reply{Text: "Отлично! Теперь укажи свой возраст (просто напиши число):"})
	case funnel.ScreenHeight:
		return append(prefix, Reply{Text: "Спасибо! Теперь укажи свой рост\nв сантиметрах (просто напиши число):"})
	case funnel.ScreenWeight:
		return append(prefix, Reply{Text: "Теперь укажи свой вес\nв килограммах (просто напиши число):"})
	case funnel.ScreenMainGoals:
		return append(prefix, choice(
			"Какая твоя основная цель?\n(выбери свой вариант, можно выбрать несколько из списка):",
			funnel.MainGoals, funnel.GoalCallback, u.MainGoals, funnel.CallbackGoalsDone))
	case funnel.ScreenAddGoals:
		return append(prefix, choice(
			"Выберите дополнительные цели\n(можно несколько):",
			funnel.AdditionalGoals, funnel.AddGoalCallback, u.AdditionalGoals, funnel.CallbackAddGoalsDone))
	case funnel.ScreenWorkFormat:
		return append(prefix, choice("Какой у вас формат работы?", funnel.WorkFormats, funnel.WorkCallback, nil, ""))
	case funnel.ScreenSportFreq:
		return append(prefix, choice("Как часто занимаешься спортом?", funnel.SportFrequencies, funnel.FreqCallback, nil, ""))
	case funnel.ScreenProgram:
		return append(prefix, program(u))
	case funnel.ScreenPlans:
		return append(prefix, plans(u, s))
	case funnel.ScreenPaymentLink:
		return append(prefix, paymentLink(u, s, r.Plan))
	case funnel.ScreenDoubtRoot:
		return append(prefix, Reply{
			Text: "Покажись, что важно учитывать уверенность в своем решении.\nЧего тебе не хватает, чтобы дать нам шанс?",
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Дорого").WithCallbackData(funnel.CallbackDoubtPrice)),
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Будет ли результат?").WithCallbackData(funnel.CallbackDoubtResult)),
			),
		})
	case funnel.ScreenDoubtPrice:
		return append(prefix, yesNo(doubtPriceText(s), funnel.CallbackDoubtYes, funnel.CallbackDoubtNo))
	case funnel.ScreenDoubtResult:
		return append(prefix, yesNo(doubtResultText(s), funnel.CallbackDoubtYes, funnel.CallbackDoubtNo))
	case funnel.ScreenDoubtAffirm:
		return append(prefix, yesNo(doubtAffirmText(s), funnel.CallbackShowPlans, funnel.CallbackFinalNo))
	case funnel.ScreenAskFeedback:
		return append(prefix,
			Reply{Text: "Жаль, что у нас не получится поработать вместе, но будем очень счастливы увидеть тебя снова. Ты всегда знаешь, где нас найти."},
			Reply{Text: "Поделитесь, пожалуйста, что стало причиной вашего решения? Это поможет нам стать лучше."},
		)
	case funnel.ScreenFeedbackThanks:
		return append(prefix, Reply{Text: "Спасибо за обратную связь! Мы обязательно её учтём."})
	case funnel.ScreenSubscription:
		return append(prefix, subscription(u, v.Now))
	case funnel.ScreenAssistant:
		return append(prefix, Reply{
			Text:     "Задай мне вопрос о здоровье, питании или тренировках:",
			Keyboard: tu.InlineKeyboard(backRow()),
		})
	case funnel.ScreenCancelWarning:
		return append(prefix, Reply{
			Text: "Если ты отменишь подписку, ты больше не сможешь\n\n" +
				"- Иметь доступ к программам тренировок, медитаций, практикам\n" +
				"- Использовать Health-ассистента, который подбирает программу питания, разбирает анализы\n" +
				"- Получать ответы на свои вопросы от экспертов: тренера, нутрициолога, психолога.\n" +
				"- Участвовать в прямых эфирах, лекциях о здоровье и оффлайн мероприятиях\n\n" +
				"Ты уверен, что хочешь отменить подписку?\n\n" +
				"После этого у тебя больше не будет доступа ко всем материалам приложения и канала",
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Отменить подписку").WithCallbackData(funnel.CallbackCancelConfirm)),
				backRow(),
			),
		})
	case funnel.ScreenCancelReason1:
		return append(prefix, Reply{
			Text: textCancelPending + "\n\nПрежде, мы просто обязаны узнать причину!\n\n" +
				"Расскажи пожалуйста о своём опыте, что именно не понравилось и почему",
			Keyboard: tu.InlineKeyboard(backRow()),
		})
	case funnel.ScreenCancelReason2:
		return append(prefix, Reply{
			Text: textCancelPending + "\n\nВторой вопрос, скажи пожалуйста что тебе нравилось и что хорошего было в WILLWAY лично для тебя?",
			Keyboard: tu.InlineKeyboard(backRow()),
		})
	case funnel.ScreenCancelLink:
		return append(prefix, Reply{
			Text: textCancelPending + "\n\nБлагодарю за ответы!\n\nИтак, ты уверен(а), что хочешь отменить подписку?\n\n" +
				"Отменить действие будет невозможно.",
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Отменить подписку").WithURL(CancelURL(s.CancelURL, u.MessengerID))),
				backRow(),
			),
		})
	case funnel.ScreenCancelExtraSaved:
		return append(prefix, Reply{
			Text:     "Спасибо, мы сохранили твой комментарий.",
			Keyboard: tu.InlineKeyboard(backRow()),
		})
	case funnel.ScreenInvite:
		return append(prefix, invite(v.Code, v.Invited, s))
	case funnel.ScreenSupport:
		return append(prefix, Reply{
			Text: "Выберите с кем хотите связаться:",
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Вопрос менеджеру").WithURL("https://t.me/"+s.ManagerHandle)),
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Вопрос тренеру").WithURL("https://t.me/"+s.TrainerHandle)),
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Назад").WithCallbackData(funnel.CallbackMenu)),
			),
		})
	}
	return prefix
}

func welcome(u *models.User, s config.Settings) Reply {
	name := u.FirstName
	if name == "" {
		name = "друг"
	}
	return Reply{
		Text: fmt.Sprintf("Привет, %s! 👋\n\nЯ бот WILLWAY. Ответь на несколько вопросов, и я подберу для тебя программу.", name),
		Keyboard: tu.InlineKeyboard(
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Пройти анкету").WithCallbackData(funnel.CallbackStartSurvey)),
		),
		VideoID: s.WelcomeVideoID,
	}
}

func mainMenu(u *models.User, now time.Time) Reply {
	if !u.IsActive(now) {
		return Reply{
			Text: textMenu,
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Варианты WILLWAY подписки").WithCallbackData(funnel.CallbackShowPlans)),
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Пройти анкету заново").WithCallbackData(funnel.CallbackStartSurvey)),
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Связь с поддержкой").WithCallbackData(funnel.CallbackSupport)),
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Пригласить друга").WithCallbackData(funnel.CallbackInvite)),
			),
		}
	}
	return Reply{
		Text: textMenu,
		Keyboard: tu.InlineKeyboard(
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Health ассистент").WithCallbackData(funnel.CallbackAssistant)),
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Управление подпиской").WithCallbackData(funnel.CallbackManage)),
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Связь с поддержкой").WithCallbackData(funnel.CallbackSupport)),
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Пригласить друга").WithCallbackData(funnel.CallbackInvite)),
		),
	}
}

// choice renders options one per row, marking the selected ones. done adds a confirm button.
func choice(text string, options []funnel.Option, data func(string) string, selected []string, done string) Reply {
	rows := make([][]telego.InlineKeyboardButton, 0, len(options)+1)
	for _, o := range options {
		label := o.Label
		if contains(selected, o.Tag) {
			label = "✅ " + label
		}
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton(label).WithCallbackData(data(o.Tag))))
	}
	if done != "" {
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("Готово").WithCallbackData(done)))
	}
	return Reply{Text: text, Keyboard: tu.InlineKeyboard(rows...)}
}

func program(u *models.User) Reply {
	var b strings.Builder
	b.WriteString("Спасибо за твои ответы! Для того, чтобы ты смог прийти к своей цели:\n")
	if len(u.MainGoals) > 0 {
		labels := make([]string, 0, len(u.MainGoals))
		for _, tag := range u.MainGoals {
			labels = append(labels, funnel.LabelOf(funnel.MainGoals, tag))
		}
		b.WriteString("- " + strings.Join(labels, "\n- ") + "\n\n")
	}
	b.WriteString("Для тебя готова программа, которая будет доступна сразу после оплаты подписки\n\n")
	b.WriteString("*Так же health-ассистент подберет для тебя:* \n\n")
	b.WriteString("- программу питания\n")
	b.WriteString("- Сделает разбор анализов на наличие дефицитов в организме,\n")
	b.WriteString("чтобы ты смог комплексно подойти к своему здоровью")
	return Reply{
		Text:     b.String(),
		Markdown: true,
		Keyboard: tu.InlineKeyboard(
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Варианты WILLWAY подписки").WithCallbackData(funnel.CallbackShowPlans)),
		),
	}
}

func plans(u *models.User, s config.Settings) Reply {
	rows := [][]telego.InlineKeyboardButton{
		tu.InlineKeyboardRow(tu.InlineKeyboardButton(
			fmt.Sprintf("30 дней | %s", FormatPrice(s.MonthlyPrice))).WithCallbackData(funnel.PlanCallback(string(models.PlanMonthly)))),
		tu.InlineKeyboardRow(tu.InlineKeyboardButton(
			fmt.Sprintf("1 год | %s (- %d%%) + тренер", FormatPrice(s.YearlyPrice), Savings(s))).WithCallbackData(funnel.PlanCallback(string(models.PlanYearly)))),
	}
	if s.ReviewsURL != "" {
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("Отзывы").WithURL(s.ReviewsURL)))
	}
	if funnel.Current(u) == funnel.StateOfferPlans {
		rows = append(rows, tu.InlineKeyboardRow(tu.InlineKeyboardButton("Подумаю").WithCallbackData(funnel.CallbackDoubt)))
	} else {
		rows = append(rows, backRow())
	}
	return Reply{Text: textPlans, Keyboard: tu.InlineKeyboard(rows...)}
}

func paymentLink(u *models.User, s config.Settings, plan models.Plan) Reply {
	text := fmt.Sprintf("Отлично! Вы выбрали месячную подписку (30 дней) за %s.\n\nНажмите кнопку ниже, чтобы перейти к оплате.",
		FormatPrice(s.MonthlyPrice))
	if plan == models.PlanYearly {
		text = fmt.Sprintf("Отлично! Вы выбрали годовую подписку за %s со скидкой %d%% и доступом к тренеру.\n\nНажмите кнопку ниже, чтобы перейти к оплате.",
			FormatPrice(s.YearlyPrice), Savings(s))
	}
	return Reply{
		Text: text,
		Keyboard: tu.InlineKeyboard(
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Перейти к оплате").WithURL(PaymentURL(s.PaymentPageURL, u.MessengerID, plan))),
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Назад").WithCallbackData(funnel.CallbackShowPlans)),
		),
	}
}

func yesNo(text, yes, no string) Reply {
	return Reply{
		Text:     text,
		Markdown: true,
		Keyboard: tu.InlineKeyboard(
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Да").WithCallbackData(yes)),
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Нет").WithCallbackData(no)),
		),
	}
}

func reviewsLink(s config.Settings) string {
	if s.ReviewsURL == "" {
		return "Ссылка на канал с отзывами"
	}
	return fmt.Sprintf("[Ссылка на канал с отзывами](%s)", s.ReviewsURL)
}

func doubtPriceText(s config.Settings) string {
	return "Давай честно.\n" +
		"Это не правда. Это цена: вложиться в то, что даёт результат — в своё здоровье, в своё тело, в своё качество жизни.\n\n" +
		fmt.Sprintf("%s — это всего %d рублей в день.\n", FormatPrice(s.MonthlyPrice), s.MonthlyPrice/30) +
		"Меньше, чем чашка кофе.\n\n" +
		"Но всегда правильное решение — выбрать себя.\n\n" +
		"А мы проведём тебя по этому пути за руку вместе.\n\n" +
		"Готов попробовать?"
}

func doubtResultText(s config.Settings) string {
	return "Так понятно, что есть недоверие к обещаниям.\n\n" +
		"В WILLWAY мы даем: настоящие результаты реальных людей, регулярно публикуем трансформации в канале с отзывами.\n\n" +
		"Мы рядом, чтобы помочь тебе выйти и не дать сойти с пути.\n\n" +
		"Ты здесь не один.\n\n" +
		reviewsLink(s) + "\n\n" +
		"Гарантия:\n" +
		"— Ты имеешь 7 дней отказа, если что-то не понравится. В течение 7 дней просто напишешь в поддержку и мы вернем деньги.\n\n" +
		"Готов попробовать?"
}

func doubtAffirmText(s config.Settings) string {
	return "Мы не обещаем чудес за подписку.\n" +
		"В WILLWAY мы даем: постоянное улучшение и прогресс — через регулярные напоминания когда и как нужно выполнять упражнения. И в своем темпе.\n\n" +
		"Сотни людей выбрали заботиться о себе — канал отзывов это подтверждает.\n\n" +
		reviewsLink(s) + "\n\n" +
		"Гарантия:\n" +
		"— Ты имеешь 7 дней отказа, если что-то не понравится. В течение 7 дней просто напишешь в поддержку и мы вернем деньги.\n\n" +
		"Посмотрим тарифы ещё раз?"
}

func subscription(u *models.User, now time.Time) Reply {
	if !u.IsActive(now) {
		return Reply{
			Text: "У вас нет активной подписки.\n\nОформите подписку для доступа к Health ассистенту и другим функциям бота:",
			Keyboard: tu.InlineKeyboard(
				tu.InlineKeyboardRow(tu.InlineKeyboardButton("Варианты WILLWAY подписки").WithCallbackData(funnel.CallbackShowPlans)),
				backRow(),
			),
		}
	}
	status := "🟢 Активна"
	action := tu.InlineKeyboardRow(tu.InlineKeyboardButton("Отменить подписку").WithCallbackData(funnel.CallbackCancelStart))
	if u.CancelRequestedAt != nil {
		status = "🔴 Отменена"
		action = tu.InlineKeyboardRow(tu.InlineKeyboardButton("Возобновить подписку").WithCallbackData(funnel.CallbackRenew))
	}
	return Reply{
		Text: fmt.Sprintf("Статус подписки WILLWAY\n%s\n\nТариф: %s\nДоступ сохранится до %s",
			status, PlanName(u.Plan), FormatDate(u.ExpiresAt)),
		Keyboard: tu.InlineKeyboard(action, backRow()),
	}
}

func invite(code string, st referral.Stats, s config.Settings) Reply {
	link := InviteLink(s.BotUsername, code)
	return Reply{
		Text: "Приглашайте друзей и получайте бонусы!\n\n" +
			fmt.Sprintf("За каждого друга, который оформит подписку, вы получите +%d дней к вашей текущей подписке.\n\n", s.RewardDays) +
			"Статистика:\n" +
			fmt.Sprintf("- Всего приглашено друзей: %d\n", st.Invited) +
			fmt.Sprintf("- Друзей с подпиской: %d\n\n", st.Purchased) +
			fmt.Sprintf("Ваша реферальная ссылка: %s\n\n", link) +
			fmt.Sprintf("Ваш реферальный код: %s", code),
		Keyboard: tu.InlineKeyboard(
			tu.InlineKeyboardRow(tu.InlineKeyboardButton("Назад").WithCallbackData(funnel.CallbackMenu)),
		),
	}
}

// FormatPrice renders 13333 as "13 333 ₽".
func FormatPrice(v int64) string {
	digits := strconv.FormatInt(v, 10)
	var b strings.Builder
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(c)
	}
	return b.String() + " ₽"
}

// Savings is the yearly discount against twelve monthly payments, in percent.
func Savings(s config.Settings) int64 {
	full := s.MonthlyPrice * 12
	if full <= 0 || s.YearlyPrice >= full {
		return 0
	}
	return ((full-s.YearlyPrice)*100 + full/2) / full
}

func PlanName(p models.Plan) string {
	switch p {
	case models.PlanMonthly:
		return "месячная"
	case models.PlanYearly:
		return "годовая"
	}
	return "нет"
}

func FormatDate(t *time.Time) string {
	if t == nil {
		return "неизвестной даты"
	}
	return t.Format("02.01.2006")
}

// PaymentURL is the payment page link carrying the messenger id the webhooks resolve.
func PaymentURL(base string, id models.MessengerID, plan models.Plan) string {
	q := url.Values{}
	q.Set("tgid", id.String())
	if plan != "" && plan != models.PlanNone {
		q.Set("plan", string(plan))
	}
	return withQuery(base, q)
}

func CancelURL(base string, id models.MessengerID) string {
	q := url.Values{}
	q.Set("user_id", id.String())
	return withQuery(base, q)
}

func InviteLink(botUsername, code string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", botUsername, code)
}

func withQuery(base string, q url.Values) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

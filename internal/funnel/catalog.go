package funnel

import "strings"

// Callback data carried by inline buttons.
const (
	CallbackStartSurvey   = "start_survey"
	CallbackMenu          = "back_to_menu"
	CallbackShowPlans     = "show_subscription_options"
	CallbackRenew         = "renew_subscription"
	CallbackAssistant     = "health_assistant"
	CallbackManage        = "subscription_management"
	CallbackCancelStart   = "cancel_subscription"
	CallbackCancelConfirm = "cancel_confirm"
	CallbackInvite        = "invite_friend"
	CallbackSupport       = "support"
	CallbackGoalsDone     = "goals_done"
	CallbackAddGoalsDone  = "additional_goals_done"
	CallbackDoubt         = "doubt"
	CallbackDoubtPrice    = "doubt_price"
	CallbackDoubtResult   = "doubt_result"
	CallbackDoubtYes      = "doubt_yes"
	CallbackDoubtNo       = "doubt_no"
	CallbackFinalNo       = "final_no"

	prefixGender  = "gender:"
	prefixGoal    = "goal:"
	prefixAddGoal = "add_goal:"
	prefixWork    = "work:"
	prefixFreq    = "freq:"
	prefixPlan    = "plan:"
)

// Option is one selectable answer.
type Option struct {
	Tag   string
	Label string
}

var (
	Genders = []Option{
		{"male", "Мужской"},
		{"female", "Женский"},
	}
	MainGoals = []Option{
		{"weight_loss", "Снижение веса"},
		{"muscle_gain", "Набор мышечной массы"},
		{"posture", "Коррекция осанки"},
		{"body_tension", "Убрать зажатость в теле"},
		{"tone", "Общий тонус/рельеф мышц"},
		{"postpartum", "Восстановиться после родов"},
		{"stress", "Снять эмоциональное напряжение"},
		{"sleep", "Улучшить качество сна"},
		{"energy", "Стать более энергичным"},
	}
	AdditionalGoals = []Option{
		{"lectures_doctors", "Послушать лекции от врачей, тренеров"},
		{"lectures_psychologists", "Послушать лекции от проф психологов"},
		{"nutrition", "Больше узнать о здоровом питании"},
		{"meditation", "Добавить в свою жизнь медитации, практики"},
		{"community", "Обрести новые знакомства"},
		{"support", "Поддержка, обратная связь, мотивация"},
	}
	WorkFormats = []Option{
		{"office_sedentary", "Много сижу за компьютером"},
		{"maternity_leave", "Мама в декрете"},
		{"not_working", "Не работаю"},
		{"frequent_travel", "Частые командировки"},
		{"physical_work", "Работа физического характера"},
	}
	SportFrequencies = []Option{
		{"1-2_per_week", "1-2 раза в неделю"},
		{"3-4_per_week", "3-4 раза в неделю"},
		{"5-6_per_week", "5-6 раз в неделю"},
		{"every_day", "Каждый день"},
		{"none", "Не занимаюсь"},
	}
)

func GenderCallback(tag string) string  { return prefixGender + tag }
func GoalCallback(tag string) string    { return prefixGoal + tag }
func AddGoalCallback(tag string) string { return prefixAddGoal + tag }
func WorkCallback(tag string) string    { return prefixWork + tag }
func FreqCallback(tag string) string    { return prefixFreq + tag }
func PlanCallback(plan string) string   { return prefixPlan + plan }

// pick returns the option tag for data carrying prefix, if the tag is part of options.
func pick(data, prefix string, options []Option) (string, bool) {
	tag, ok := strings.CutPrefix(data, prefix)
	if !ok {
		return "", false
	}
	for _, o := range options {
		if o.Tag == tag {
			return tag, true
		}
	}
	return "", false
}

// LabelOf returns the human label of tag, or the tag itself.
func LabelOf(options []Option, tag string) string {
	for _, o := range options {
		if o.Tag == tag {
			return o.Label
		}
	}
	return tag
}

func toggle(set []string, tag string) []string {
	for i, t := range set {
		if t == tag {
			return append(set[:i:i], set[i+1:]...)
		}
	}
	return append(set, tag)
}

package funnel

import (
	"strconv"
	"strings"
	"time"

	"willway-bot/internal/models"
)

// Screen names what the adapter should render after a step.
type Screen string

const (
	ScreenWelcome          Screen = "welcome"
	ScreenMainMenu         Screen = "main_menu"
	ScreenGender           Screen = "gender"
	ScreenAge              Screen = "age"
	ScreenHeight           Screen = "height"
	ScreenWeight           Screen = "weight"
	ScreenMainGoals        Screen = "main_goals"
	ScreenAddGoals         Screen = "additional_goals"
	ScreenWorkFormat       Screen = "work_format"
	ScreenSportFreq        Screen = "sport_frequency"
	ScreenProgram          Screen = "program"
	ScreenPlans            Screen = "plans"
	ScreenPaymentLink      Screen = "payment_link"
	ScreenDoubtRoot        Screen = "doubt_root"
	ScreenDoubtPrice       Screen = "doubt_price"
	ScreenDoubtResult      Screen = "doubt_result"
	ScreenDoubtAffirm      Screen = "doubt_affirm"
	ScreenAskFeedback      Screen = "ask_feedback"
	ScreenFeedbackThanks   Screen = "feedback_thanks"
	ScreenSubscription     Screen = "subscription"
	ScreenAssistant        Screen = "assistant"
	ScreenCancelWarning    Screen = "cancel_warning"
	ScreenCancelReason1    Screen = "cancel_reason_1"
	ScreenCancelReason2    Screen = "cancel_reason_2"
	ScreenCancelLink       Screen = "cancel_link"
	ScreenCancelExtraSaved Screen = "cancel_extra_saved"
	ScreenInvite           Screen = "invite"
	ScreenSupport          Screen = "support"
	ScreenNone             Screen = ""
)

// Effect is a side effect the caller performs after persisting the user.
type Effect int

const (
	// EffectFeedbackReceived forwards the doubt feedback to the admins.
	EffectFeedbackReceived Effect = iota + 1
	// EffectAskAssistant sends the input text to the health assistant.
	EffectAskAssistant
	// EffectIssueCode makes sure the user owns a referral code before rendering.
	EffectIssueCode
	// EffectQuestionnaireCompleted marks the end of onboarding.
	EffectQuestionnaireCompleted
)

// Input is one user message: either free text or callback data.
type Input struct {
	Text     string
	Callback string
}

func Text(s string) Input     { return Input{Text: s} }
func Callback(s string) Input { return Input{Callback: s} }

func (in Input) isText() bool { return in.Callback == "" }

type Result struct {
	Screen Screen
	// Invalid is set when the input was rejected and the prompt is shown again.
	Invalid bool
	Plan    models.Plan
	Effects []Effect
}

func (r Result) Has(e Effect) bool {
	for _, x := range r.Effects {
		if x == e {
			return true
		}
	}
	return false
}

const (
	minAge, maxAge       = 10, 100
	minHeight, maxHeight = 50, 250
	minWeight, maxWeight = 20, 300
)

// Step applies one user input to u at now.
func Step(u *models.User, in Input, now time.Time) (Result, error) {
	cur := Current(u)

	if u.WaitingForFeedback && in.isText() && strings.TrimSpace(in.Text) != "" {
		u.DoubtFeedbackText = strings.TrimSpace(in.Text)
		u.WaitingForFeedback = false
		u.DoubtStage = ""
		if err := move(u, StateEnd); err != nil {
			return Result{}, err
		}
		return Result{Screen: ScreenFeedbackThanks, Effects: []Effect{EffectFeedbackReceived}}, nil
	}

	if !in.isText() {
		if r, handled, err := navigate(u, cur, in.Callback, now); handled {
			return r, err
		}
	}

	switch cur {
	case StateNew:
		return Result{Screen: ScreenWelcome, Invalid: !in.isText()}, nil
	case StateGender:
		if tag, ok := pick(in.Callback, prefixGender, Genders); ok {
			u.Gender = tag
			return to(u, StateAge, ScreenAge)
		}
	case StateAge:
		if v, ok := parseRange(in, minAge, maxAge); ok {
			u.Age = v
			return to(u, StateHeight, ScreenHeight)
		}
	case StateHeight:
		if v, ok := parseRange(in, minHeight, maxHeight); ok {
			u.Height = v
			return to(u, StateWeight, ScreenWeight)
		}
	case StateWeight:
		if v, ok := parseRange(in, minWeight, maxWeight); ok {
			u.Weight = v
			return to(u, StateMainGoal, ScreenMainGoals)
		}
	case StateMainGoal:
		if tag, ok := pick(in.Callback, prefixGoal, MainGoals); ok {
			u.MainGoals = toggle(u.MainGoals, tag)
			return Result{Screen: ScreenMainGoals}, nil
		}
		if in.Callback == CallbackGoalsDone && len(u.MainGoals) > 0 {
			return to(u, StateAddGoal, ScreenAddGoals)
		}
	case StateAddGoal:
		if tag, ok := pick(in.Callback, prefixAddGoal, AdditionalGoals); ok {
			u.AdditionalGoals = toggle(u.AdditionalGoals, tag)
			return Result{Screen: ScreenAddGoals}, nil
		}
		if in.Callback == CallbackAddGoalsDone && len(u.AdditionalGoals) > 0 {
			return to(u, StateWorkFormat, ScreenWorkFormat)
		}
	case StateWorkFormat:
		if tag, ok := pick(in.Callback, prefixWork, WorkFormats); ok {
			u.WorkFormat = tag
			return to(u, StateSportFreq, ScreenSportFreq)
		}
	case StateSportFreq:
		if tag, ok := pick(in.Callback, prefixFreq, SportFrequencies); ok {
			u.SportFrequency = tag
			return completeQuestionnaire(u)
		}
	case StateOfferPlans:
		if in.Callback == CallbackDoubt {
			u.DoubtStage = string(StateDoubtRoot)
			return to(u, StateDoubtRoot, ScreenDoubtRoot)
		}
	case StateDoubtRoot:
		switch in.Callback {
		case CallbackDoubtPrice:
			return doubt(u, StateDoubtPrice, ScreenDoubtPrice, "price")
		case CallbackDoubtResult:
			return doubt(u, StateDoubtResult, ScreenDoubtResult, "result")
		}
	case StateDoubtPrice, StateDoubtResult:
		switch in.Callback {
		case CallbackDoubtYes:
			u.DoubtLastChoice = "yes"
			u.DoubtStage = ""
			return to(u, StateOfferPlans, ScreenPlans)
		case CallbackDoubtNo:
			next := StateDoubtPriceAffirm
			if cur == StateDoubtResult {
				next = StateDoubtResultAffirm
			}
			return doubt(u, next, ScreenDoubtAffirm, "no")
		}
	case StateDoubtPriceAffirm, StateDoubtResultAffirm:
		if in.Callback == CallbackFinalNo {
			u.DoubtLastChoice = "final_no"
			if err := move(u, StateFinalDecline); err != nil {
				return Result{}, err
			}
			u.DoubtStage = string(StateFeedbackWait)
			u.WaitingForFeedback = true
			return to(u, StateFeedbackWait, ScreenAskFeedback)
		}
	case StateFeedbackWait:
		return Result{Screen: ScreenAskFeedback, Invalid: true}, nil
	case StateSubscribed:
		if in.isText() && strings.TrimSpace(in.Text) != "" {
			if !u.IsActive(now) {
				return to(u, StateOfferPlans, ScreenPlans)
			}
			return Result{Screen: ScreenNone, Effects: []Effect{EffectAskAssistant}}, nil
		}
	case StateCancelStage1:
		if in.Callback == CallbackCancelConfirm {
			return to(u, StateCancelStage2, ScreenCancelReason1)
		}
	case StateCancelStage2:
		if reason, ok := freeText(in); ok {
			u.CancelReason1 = reason
			return to(u, StateCancelStage3, ScreenCancelReason2)
		}
	case StateCancelStage3:
		if reason, ok := freeText(in); ok {
			u.CancelReason2 = reason
			return to(u, StateCancelConfirmed, ScreenCancelLink)
		}
	case StateCancelConfirmed:
		if extra, ok := freeText(in); ok {
			if u.CancelExtra != "" {
				u.CancelExtra += "\n"
			}
			u.CancelExtra += extra
			return Result{Screen: ScreenCancelExtraSaved}, nil
		}
	case StateEnd:
		if in.isText() {
			return Result{Screen: ScreenMainMenu}, nil
		}
	}
	return Result{Screen: promptOf(cur), Invalid: true}, nil
}

// navigate handles buttons that are valid regardless of the current state.
func navigate(u *models.User, cur State, data string, now time.Time) (Result, bool, error) {
	active := u.IsActive(now)
	switch data {
	case CallbackMenu:
		r, err := Idle(u, now)
		return r, true, err
	case CallbackStartSurvey:
		if cur != StateNew && cur != StateEnd {
			return Result{}, false, nil
		}
		r, err := restartQuestionnaire(u)
		return r, true, err
	case CallbackShowPlans, CallbackRenew:
		if active {
			// renewal is offered without leaving the subscriber area
			r, err := to(u, StateSubscribed, ScreenPlans)
			return r, true, err
		}
		r, err := offerPlans(u)
		return r, true, err
	case CallbackAssistant, CallbackManage, CallbackCancelStart:
		if !active {
			r, err := offerPlans(u)
			return r, true, err
		}
		return subscriberArea(u, cur, data)
	case CallbackInvite:
		return Result{Screen: ScreenInvite, Effects: []Effect{EffectIssueCode}}, true, nil
	case CallbackSupport:
		return Result{Screen: ScreenSupport}, true, nil
	}
	if plan, ok := strings.CutPrefix(data, prefixPlan); ok {
		p, ok := models.ParsePlan(plan)
		if !ok {
			return Result{Screen: promptOf(cur), Invalid: true}, true, nil
		}
		if active {
			return Result{Screen: ScreenPaymentLink, Plan: p}, true, nil
		}
		if cur != StateOfferPlans && !CanTransition(cur, StatePlanChosen) {
			if err := move(u, StateOfferPlans); err != nil {
				return Result{}, true, err
			}
		}
		u.DoubtStage = ""
		r, err := to(u, StatePlanChosen, ScreenPaymentLink)
		r.Plan = p
		return r, true, err
	}
	return Result{}, false, nil
}

func subscriberArea(u *models.User, cur State, data string) (Result, bool, error) {
	if cur != StateSubscribed {
		if InCancellation(cur) && data == CallbackCancelStart {
			return Result{Screen: promptOf(cur)}, true, nil
		}
		if err := move(u, StateSubscribed); err != nil {
			return Result{}, true, err
		}
	}
	switch data {
	case CallbackAssistant:
		return Result{Screen: ScreenAssistant}, true, nil
	case CallbackManage:
		return Result{Screen: ScreenSubscription}, true, nil
	}
	u.WaitingForFeedback = false
	u.DoubtStage = ""
	r, err := to(u, StateCancelStage1, ScreenCancelWarning)
	return r, true, err
}

// Idle returns the user to the main menu: SUBSCRIBED for subscribers, END for everyone else,
// and NEW while the questionnaire is incomplete.
func Idle(u *models.User, now time.Time) (Result, error) {
	switch {
	case u.IsActive(now):
		return to(u, StateSubscribed, ScreenMainMenu)
	case !u.QuestionnaireComplete:
		return to(u, StateNew, ScreenWelcome)
	default:
		return to(u, StateEnd, ScreenMainMenu)
	}
}

// Subscribed moves u into the subscriber area after a confirmed purchase. Users inside the
// cancellation dialog stay where they are.
func Subscribed(u *models.User) error {
	if InCancellation(Current(u)) {
		return nil
	}
	u.WaitingForFeedback = false
	u.DoubtStage = ""
	return move(u, StateSubscribed)
}

// PaymentOpened records that the payment page was opened after a plan was chosen.
func PaymentOpened(u *models.User) error {
	switch Current(u) {
	case StatePlanChosen, StatePaymentTimeout:
		return move(u, StatePaymentPending)
	}
	return nil
}

// PaymentTimedOut is applied when the pending-payment reminder fires.
func PaymentTimedOut(u *models.User) error {
	if Current(u) != StatePaymentPending {
		return nil
	}
	return move(u, StatePaymentTimeout)
}

// Expired leaves the subscriber area once the subscription window closed.
func Expired(u *models.User) error {
	s := Current(u)
	if s != StateSubscribed && !InCancellation(s) {
		return nil
	}
	return move(u, StateEnd)
}

// Reset is the administrative reset: any state → END.
func Reset(u *models.User) error {
	u.WaitingForFeedback = false
	u.DoubtStage = ""
	return move(u, StateEnd)
}

func to(u *models.User, next State, screen Screen) (Result, error) {
	if err := move(u, next); err != nil {
		return Result{}, err
	}
	return Result{Screen: screen}, nil
}

func offerPlans(u *models.User) (Result, error) {
	u.DoubtStage = ""
	return to(u, StateOfferPlans, ScreenPlans)
}

func doubt(u *models.User, next State, screen Screen, choice string) (Result, error) {
	u.DoubtStage = string(next)
	u.DoubtLastChoice = choice
	return to(u, next, screen)
}

func restartQuestionnaire(u *models.User) (Result, error) {
	// END → GENDER is direct, every other restart passes through NEW
	if Current(u) != StateEnd {
		if err := move(u, StateNew); err != nil {
			return Result{}, err
		}
	}
	u.MainGoals = nil
	u.AdditionalGoals = nil
	return to(u, StateGender, ScreenGender)
}

func completeQuestionnaire(u *models.User) (Result, error) {
	if err := move(u, StateQuestionnaireDone); err != nil {
		return Result{}, err
	}
	u.QuestionnaireComplete = true
	r, err := to(u, StateOfferPlans, ScreenProgram)
	r.Effects = append(r.Effects, EffectQuestionnaireCompleted)
	return r, err
}

func parseRange(in Input, lo, hi int) (int, bool) {
	if !in.isText() {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(in.Text))
	if err != nil || v < lo || v > hi {
		return 0, false
	}
	return v, true
}

func freeText(in Input) (string, bool) {
	if !in.isText() {
		return "", false
	}
	s := strings.TrimSpace(in.Text)
	return s, s != ""
}

// promptOf is the screen that asks for the input a state expects.
func promptOf(s State) Screen {
	switch s {
	case StateNew:
		return ScreenWelcome
	case StateGender:
		return ScreenGender
	case StateAge:
		return ScreenAge
	case StateHeight:
		return ScreenHeight
	case StateWeight:
		return ScreenWeight
	case StateMainGoal:
		return ScreenMainGoals
	case StateAddGoal:
		return ScreenAddGoals
	case StateWorkFormat:
		return ScreenWorkFormat
	case StateSportFreq:
		return ScreenSportFreq
	case StateOfferPlans, StateQuestionnaireDone, StatePlanChosen, StatePaymentPending, StatePaymentTimeout:
		return ScreenPlans
	case StateDoubtRoot:
		return ScreenDoubtRoot
	case StateDoubtPrice:
		return ScreenDoubtPrice
	case StateDoubtResult:
		return ScreenDoubtResult
	case StateDoubtPriceAffirm, StateDoubtResultAffirm:
		return ScreenDoubtAffirm
	case StateFinalDecline, StateFeedbackWait:
		return ScreenAskFeedback
	case StateCancelStage1:
		return ScreenCancelWarning
	case StateCancelStage2:
		return ScreenCancelReason1
	case StateCancelStage3:
		return ScreenCancelReason2
	case StateCancelConfirmed:
		return ScreenCancelLink
	}
	return ScreenMainMenu
}

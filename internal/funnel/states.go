// Package funnel drives the onboarding questionnaire, the plan offer, the doubt sub-dialog and the
// cancellation sub-dialog. It is pure: it mutates the in-memory user and returns what to show,
// persistence belongs to the caller.
package funnel

import (
	"errors"
	"fmt"

	"willway-bot/internal/models"
)

type State string

const (
	StateNew               State = models.InitialDialogState
	StateGender            State = "GENDER"
	StateAge               State = "AGE"
	StateHeight            State = "HEIGHT"
	StateWeight            State = "WEIGHT"
	StateMainGoal          State = "MAIN_GOAL"
	StateAddGoal           State = "ADD_GOAL"
	StateWorkFormat        State = "WORK_FMT"
	StateSportFreq         State = "SPORT_FREQ"
	StateQuestionnaireDone State = "QUESTIONNAIRE_DONE"
	StateOfferPlans        State = "OFFER_PLANS"
	StatePlanChosen        State = "PLAN_CHOSEN"
	StateDoubtRoot         State = "DOUBT_ROOT"
	StateDoubtPrice        State = "DOUBT_PRICE"
	StateDoubtResult       State = "DOUBT_RESULT"
	StateDoubtPriceAffirm  State = "DOUBT_PRICE_AFFIRM"
	StateDoubtResultAffirm State = "DOUBT_RESULT_AFFIRM"
	StateFinalDecline      State = "FINAL_DECLINE"
	StateFeedbackWait      State = "FEEDBACK_WAIT"
	StateEnd               State = "END"
	StatePaymentPending    State = "PAYMENT_PENDING"
	StatePaymentTimeout    State = "PAYMENT_TIMEOUT"
	StateSubscribed        State = "SUBSCRIBED"
	StateCancelStage1      State = "CANCEL_STAGE_1"
	StateCancelStage2      State = "CANCEL_STAGE_2"
	StateCancelStage3      State = "CANCEL_STAGE_3"
	StateCancelConfirmed   State = "CANCEL_CONFIRMED"
)

var ErrIllegalTransition = errors.New("illegal dialog transition")

// transitions is the closed catalogue of forward edges.
var transitions = map[State][]State{
	StateNew:               {StateGender},
	StateGender:            {StateAge},
	StateAge:               {StateHeight},
	StateHeight:            {StateWeight},
	StateWeight:            {StateMainGoal},
	StateMainGoal:          {StateAddGoal},
	StateAddGoal:           {StateWorkFormat},
	StateWorkFormat:        {StateSportFreq},
	StateSportFreq:         {StateQuestionnaireDone},
	StateQuestionnaireDone: {StateOfferPlans},
	StateOfferPlans:        {StatePlanChosen, StateDoubtRoot},
	StateDoubtRoot:         {StateDoubtPrice, StateDoubtResult},
	StateDoubtPrice:        {StateOfferPlans, StateDoubtPriceAffirm},
	StateDoubtResult:       {StateOfferPlans, StateDoubtResultAffirm},
	StateDoubtPriceAffirm:  {StateOfferPlans, StateFinalDecline},
	StateDoubtResultAffirm: {StateOfferPlans, StateFinalDecline},
	StateFinalDecline:      {StateFeedbackWait},
	StateFeedbackWait:      {StateEnd},
	StatePlanChosen:        {StatePaymentPending},
	StatePaymentPending:    {StateSubscribed, StatePaymentTimeout, StatePlanChosen},
	StatePaymentTimeout:    {StatePaymentPending, StatePlanChosen},
	StateSubscribed:        {StateSubscribed, StateCancelStage1},
	StateCancelStage1:      {StateCancelStage2},
	StateCancelStage2:      {StateCancelStage3},
	StateCancelStage3:      {StateCancelConfirmed},
	StateEnd:               {StateGender, StatePlanChosen},
}

// navigationTargets may be entered from any state: END on reset or "main menu", SUBSCRIBED when a
// purchase is confirmed, OFFER_PLANS for access gating and NEW when /start restarts onboarding.
var navigationTargets = map[State]bool{
	StateEnd:        true,
	StateSubscribed: true,
	StateOfferPlans: true,
	StateNew:        true,
}

// CanTransition reports whether from → to is legal. Staying in place is always legal.
func CanTransition(from, to State) bool {
	if from == to || navigationTargets[to] {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Known reports whether s is a member of the state set.
func Known(s State) bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s == StateCancelConfirmed
}

func move(u *models.User, to State) error {
	from := Current(u)
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	u.DialogState = string(to)
	return nil
}

// Current returns the persisted state, treating an empty or unknown value as NEW.
func Current(u *models.User) State {
	s := State(u.DialogState)
	if s == "" || !Known(s) {
		return StateNew
	}
	return s
}

// InCancellation reports whether the user is inside the cancellation sub-dialog.
func InCancellation(s State) bool {
	switch s {
	case StateCancelStage1, StateCancelStage2, StateCancelStage3, StateCancelConfirmed:
		return true
	}
	return false
}

// InDoubt reports whether the user is inside the doubt sub-dialog.
func InDoubt(s State) bool {
	switch s {
	case StateDoubtRoot, StateDoubtPrice, StateDoubtResult, StateDoubtPriceAffirm, StateDoubtResultAffirm,
		StateFinalDecline, StateFeedbackWait:
		return true
	}
	return false
}

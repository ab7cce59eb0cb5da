package models

import (
	"strconv"
	"time"
)

// MessengerID is the Telegram user id. It only crosses into UserID through the identity resolver.
type MessengerID int64

func (id MessengerID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseMessengerID parses a decimal messenger id.
func ParseMessengerID(s string) (MessengerID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return MessengerID(v), nil
}

// UserID is the internal primary key of a User row.
type UserID uint

type Plan string

const (
	PlanNone    Plan = "none"
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// Days returns how long a purchase of the plan lasts.
func (p Plan) Days() int {
	switch p {
	case PlanMonthly:
		return 30
	case PlanYearly:
		return 365
	}
	return 0
}

// Duration is Days expressed as a time.Duration.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.Days()) * 24 * time.Hour
}

// ParsePlan accepts "monthly" or "yearly".
func ParsePlan(s string) (Plan, bool) {
	switch Plan(s) {
	case PlanMonthly, PlanYearly:
		return Plan(s), true
	}
	return PlanNone, false
}

type PaymentStatus string

const (
	PaymentNone      PaymentStatus = "none"
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

package dispatch

import (
	"willway-bot/internal/funnel"
	"willway-bot/internal/identity"
	"willway-bot/internal/models"
)

// Event is one inbound fact. The set is closed: only types in this file implement it.
type Event interface {
	Type() string
	isEvent()
}

// StartCommand is /start with an optional deep-link argument.
type StartCommand struct {
	From    models.MessengerID
	Profile identity.Profile
	Arg     string
}

// DialogInput is free text or a button press inside the dialog.
type DialogInput struct {
	From    models.MessengerID
	Profile identity.Profile
	Input   funnel.Input
}

// PaymentTracked is reported when the payment page is opened.
type PaymentTracked struct {
	Lookup identity.Lookup
}

// PaymentSucceeded is a confirmed purchase reported by the payment page.
type PaymentSucceeded struct {
	Lookup identity.Lookup
	// PaymentID is the provider's id when the page sends one.
	PaymentID string
	Plan      models.Plan
	Amount    int64
}

// PaymentChecked is a status poll from the payment page.
type PaymentChecked struct {
	Lookup identity.Lookup
}

// CancellationRequested is reported by the cancellation page.
type CancellationRequested struct {
	Lookup identity.Lookup
}

// CreatorConversion is a purchase reported by a creator integration.
type CreatorConversion struct {
	RefCode    string
	User       models.MessengerID
	Amount     int64
	PurchaseID string
}

// PaymentReminderDue fires once the pending-payment delay elapsed.
type PaymentReminderDue struct {
	User models.MessengerID
}

// ExpiryReminderDue fires when a subscription ends within a day.
type ExpiryReminderDue struct {
	User models.MessengerID
}

// SubscriptionExpired fires when the reconciliation pass finds an elapsed window.
type SubscriptionExpired struct {
	User models.MessengerID
}

// AdminReset returns a user to the idle state, optionally wiping the subscription.
type AdminReset struct {
	User              models.MessengerID
	ClearSubscription bool
}

// AdminDelete removes a user and everything referencing them.
type AdminDelete struct {
	User models.MessengerID
}

func (StartCommand) Type() string          { return "start" }
func (DialogInput) Type() string           { return "dialog_input" }
func (PaymentTracked) Type() string        { return "payment_tracked" }
func (PaymentSucceeded) Type() string      { return "payment_succeeded" }
func (PaymentChecked) Type() string        { return "payment_checked" }
func (CancellationRequested) Type() string { return "cancellation_requested" }
func (CreatorConversion) Type() string     { return "creator_conversion" }
func (PaymentReminderDue) Type() string    { return "payment_reminder_due" }
func (ExpiryReminderDue) Type() string     { return "expiry_reminder_due" }
func (SubscriptionExpired) Type() string   { return "subscription_expired" }
func (AdminReset) Type() string            { return "admin_reset" }
func (AdminDelete) Type() string           { return "admin_delete" }

func (StartCommand) isEvent()          {}
func (DialogInput) isEvent()           {}
func (PaymentTracked) isEvent()        {}
func (PaymentSucceeded) isEvent()      {}
func (PaymentChecked) isEvent()        {}
func (CancellationRequested) isEvent() {}
func (CreatorConversion) isEvent()     {}
func (PaymentReminderDue) isEvent()    {}
func (ExpiryReminderDue) isEvent()     {}
func (SubscriptionExpired) isEvent()   {}
func (AdminReset) isEvent()            {}
func (AdminDelete) isEvent()           {}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// InitialDialogState is the dialog state of a freshly created user.
const InitialDialogState = "NEW"

type User struct {
	ID          UserID      `gorm:"primaryKey"`
	MessengerID MessengerID `gorm:"uniqueIndex;not null"`
	Username    string      `gorm:"size:255"`
	FirstName   string      `gorm:"size:255"`
	Email       string      `gorm:"size:255"`
	Phone       string      `gorm:"size:64"`

	// Questionnaire
	Gender          string `gorm:"size:16"`
	Age             int
	Height          int
	Weight          int
	MainGoals       datatypes.JSONSlice[string]
	AdditionalGoals datatypes.JSONSlice[string]
	WorkFormat      string `gorm:"size:64"`
	SportFrequency  string `gorm:"size:64"`

	QuestionnaireComplete bool
	WelcomeSent           bool
	DialogState           string `gorm:"size:32;not null"`

	// Subscription
	Subscribed          bool
	Plan                Plan          `gorm:"size:16;not null"`
	ExpiresAt           *time.Time    `gorm:"index"`
	PaymentStatus       PaymentStatus `gorm:"size:16;not null;index"`
	PaymentPendingSince *time.Time
	PaymentReminderSent bool
	LastPaymentReminder *time.Time
	ExpiryReminderFor   *time.Time

	// Doubt funnel
	DoubtStage         string `gorm:"size:32"`
	DoubtLastChoice    string `gorm:"size:32"`
	DoubtFeedbackText  string `gorm:"type:text"`
	WaitingForFeedback bool

	// Cancellation
	CancelRequestedAt *time.Time
	CancelReason1     string `gorm:"column:cancel_reason_1;type:text"`
	CancelReason2     string `gorm:"column:cancel_reason_2;type:text"`
	CancelExtra       string `gorm:"type:text"`
	CancelMessageSent bool

	ReferrerUserID    *UserID `gorm:"index"`
	ReferralSourceTag string  `gorm:"size:32"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsActive reports whether the subscription window is open at now.
// The stored flag lags until the reconciliation pass, so gating uses this.
func (u *User) IsActive(now time.Time) bool {
	return u.Subscribed && u.ExpiresAt != nil && u.ExpiresAt.After(now)
}

// DisplayName prefers the first name over the username.
func (u *User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	if u.Username != "" {
		return "@" + u.Username
	}
	return u.MessengerID.String()
}

package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ExternalID is an identifier the payment page sends either as a JSON number or as a string.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user_id must be a string or a number: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

type TrackRequest struct {
	UserID ExternalID `json:"user_id" binding:"required"`
	URL    string     `json:"url"`
}

type SuccessRequest struct {
	UserID           ExternalID `json:"user_id" binding:"required"`
	SubscriptionType string     `json:"subscription_type" binding:"required"`
	Amount           int64      `json:"amount"`
	URL              string     `json:"url"`
	PaymentID        string     `json:"payment_id"`
}

type SuccessResponse struct {
	Status           string     `json:"status"`
	UserID           string     `json:"user_id"`
	SubscriptionType string     `json:"subscription_type"`
	ExpiresAt        *time.Time `json:"expires_at"`
	Duplicate        bool       `json:"duplicate,omitempty"`
}

type CheckRequest struct {
	UserID ExternalID `json:"user_id" binding:"required"`
	URL    string     `json:"url"`
}

type CheckData struct {
	PaymentStatus string `json:"payment_status"`
	IsSubscribed  bool   `json:"is_subscribed"`
	UserID        string `json:"user_id"`
}

type CheckResponse struct {
	Status string    `json:"status"`
	Data   CheckData `json:"data"`
}

type CancelRequest struct {
	UserID    ExternalID `json:"user_id" binding:"required"`
	Status    string     `json:"status"`
	Source    string     `json:"source"`
	Timestamp string     `json:"timestamp"`
}

type StatusData struct {
	UserID          string     `json:"user_id"`
	IsSubscribed    bool       `json:"is_subscribed"`
	Plan            string     `json:"plan"`
	ExpiresAt       *time.Time `json:"expires_at"`
	PaymentStatus   string     `json:"payment_status"`
	CancelRequested bool       `json:"cancel_requested"`
}

type ConversionRequest struct {
	APIKey     string     `json:"api_key"`
	RefCode    string     `json:"ref_code" binding:"required"`
	UserID     ExternalID `json:"user_id" binding:"required"`
	Amount     int64      `json:"amount"`
	PurchaseID string     `json:"purchase_id"`
}

type ConversionResponse struct {
	Success    bool  `json:"success"`
	BloggerID  int64 `json:"blogger_id,omitempty"`
	ReferralID int64 `json:"referral_id,omitempty"`
	Commission int64 `json:"commission"`
	LateBound  bool  `json:"late_bound,omitempty"`
	Duplicate  bool  `json:"duplicate,omitempty"`
}

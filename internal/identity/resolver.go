package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"willway-bot/internal/database"
	"willway-bot/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUnresolvable = errors.New("cannot resolve messenger id")
)

var tgidPattern = regexp.MustCompile(`tgid=(\d+)`)

// Lookup carries every identity hint an inbound event may have.
type Lookup struct {
	// ExternalID is the messenger id for bot updates, or the payer id sent by the payment page.
	ExternalID string
	// SessionID is the payment-page session id, usually equal to the webhook user_id.
	SessionID string
	// URL is the payment page URL that may embed tgid=<messenger id>.
	URL string
}

// Profile is optional display data copied onto the user row.
type Profile struct {
	Username  string
	FirstName string
}

// Resolver is the only place that turns external identifiers into User rows.
type Resolver struct {
	sessions SessionStore
	log      *zap.Logger
}

func NewResolver(sessions SessionStore, log *zap.Logger) *Resolver {
	return &Resolver{sessions: sessions, log: log}
}

// EmbeddedTelegramID extracts the decimal run after "tgid=" from a payment page URL.
func EmbeddedTelegramID(url string) (models.MessengerID, bool) {
	m := tgidPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	id, err := models.ParseMessengerID(m[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// MessengerID applies the resolution order: embedded tgid, live session mapping, external id.
// An embedded tgid refreshes the session mapping.
func (r *Resolver) MessengerID(ctx context.Context, l Lookup) (models.MessengerID, error) {
	if id, ok := EmbeddedTelegramID(l.URL); ok {
		if l.SessionID != "" {
			if err := r.sessions.Remember(ctx, l.SessionID, id); err != nil {
				r.log.Warn("failed to remember payment session", zap.String("session", l.SessionID), zap.Error(err))
			}
		}
		return id, nil
	}

	if l.SessionID != "" {
		if id, ok := r.sessions.Lookup(ctx, l.SessionID); ok {
			return id, nil
		}
	}

	id, err := models.ParseMessengerID(strings.TrimSpace(l.ExternalID))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnresolvable, l.ExternalID)
	}
	return id, nil
}

// Load fetches the user row with a write lock. When create is set a missing row is inserted
// with the initial onboarding state; otherwise ErrUserNotFound is returned.
func (r *Resolver) Load(tx *gorm.DB, id models.MessengerID, create bool, profile Profile) (*models.User, bool, error) {
	var user models.User
	err := database.ForUpdate(tx).Where("messenger_id = ?", id).Take(&user).Error
	switch {
	case err == nil:
		if profile.Username != "" {
			user.Username = profile.Username
		}
		if profile.FirstName != "" {
			user.FirstName = profile.FirstName
		}
		return &user, false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, fmt.Errorf("failed to load user %d: %w", id, err)
	case !create:
		return nil, false, ErrUserNotFound
	}

	user = models.User{
		MessengerID:   id,
		Username:      profile.Username,
		FirstName:     profile.FirstName,
		DialogState:   models.InitialDialogState,
		Plan:          models.PlanNone,
		PaymentStatus: models.PaymentNone,
	}
	if err := tx.Create(&user).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create user %d: %w", id, err)
	}
	r.log.Info("user created", zap.Int64("messenger_id", int64(id)))
	return &user, true, nil
}

// Resolve combines MessengerID and Load.
func (r *Resolver) Resolve(ctx context.Context, tx *gorm.DB, l Lookup, create bool) (*models.User, error) {
	id, err := r.MessengerID(ctx, l)
	if err != nil {
		return nil, err
	}
	user, _, err := r.Load(tx, id, create, Profile{})
	return user, err
}

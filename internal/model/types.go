package model

import (
	"time"
)

// Status is the lifecycle state of a verification session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusExpired:
		return true
	}
	return false
}

// VerificationSession represents one attempt to bind a phone number to a Telegram account
type VerificationSession struct {
	Token         string
	Status        Status
	ExpectedPhone string
	ChatID        *int64
	ClientSecret  string
	WebhookURL    string

	// Filled on the pending -> verified transition only.
	TelegramID *int64
	FirstName  string
	Phone      string
	VerifiedAt *time.Time

	CreatedAt time.Time
	ExpiresAt time.Time
}

// EffectiveStatus returns the status as observed at now: a pending session
// past its expiry reads as expired even if nothing has persisted that yet.
func (s VerificationSession) EffectiveStatus(now time.Time) Status {
	if s.Status == StatusPending && now.After(s.ExpiresAt) {
		return StatusExpired
	}
	return s.Status
}

// BoundTo reports whether the session is bound to the given chat.
func (s VerificationSession) BoundTo(chatID int64) bool {
	return s.ChatID != nil && *s.ChatID == chatID
}

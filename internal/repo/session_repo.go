package repo

import (
	"context"
	"errors"
	"time"

	"github.com/tgverify/server/internal/model"
)

var (
	// ErrNotFound is returned when no session exists for the token (never created or purged).
	ErrNotFound = errors.New("session not found")
	// ErrConflict is returned by Create when the token is already taken.
	ErrConflict = errors.New("session token already exists")
	// ErrInvalidTransition is returned by Update when a mutation would break a session invariant.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// MutateFunc edits a session inside an atomic read-modify-write. Returning an
// error aborts the update and nothing is written.
type MutateFunc func(s *model.VerificationSession) error

// SessionRepo defines the storage operations for verification sessions.
// Implementations apply lazy expiry on every read: a pending session past its
// expires_at is persisted and returned as expired.
type SessionRepo interface {
	Create(ctx context.Context, s model.VerificationSession) error
	Get(ctx context.Context, token string) (model.VerificationSession, error)
	// Update applies mutate atomically with respect to other updates of the same token.
	Update(ctx context.Context, token string, mutate MutateFunc) (model.VerificationSession, error)
	FindPendingByChat(ctx context.Context, chatID int64) (model.VerificationSession, error)
	Delete(ctx context.Context, token string) error
	// PurgeExpired removes sessions whose expires_at is before the given time.
	PurgeExpired(ctx context.Context, before time.Time) (int, error)
}

// Clock returns the current time. Tests replace it to move past expiry.
type Clock func() time.Time

type options struct {
	now Clock
}

// Option configures a SessionRepo implementation.
type Option func(*options)

// WithClock overrides the time source used for lazy expiry.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.now = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// applyExpiry coerces a pending session past its expiry to expired and
// reports whether it changed anything.
func applyExpiry(s *model.VerificationSession, now time.Time) bool {
	if st := s.EffectiveStatus(now); st != s.Status {
		s.Status = st
		return true
	}
	return false
}

// mutateSession runs mutate on a private copy of current and checks the
// result against the session invariants. current must already have expiry applied.
func mutateSession(current model.VerificationSession, mutate MutateFunc) (model.VerificationSession, error) {
	next := cloneSession(current)
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return model.VerificationSession{}, err
		}
	}
	if err := guardTransition(current, next); err != nil {
		return model.VerificationSession{}, err
	}
	return next, nil
}

// guardTransition rejects mutations that change identity or immutable fields,
// move a session back to pending, or rebind an already bound chat.
func guardTransition(before, after model.VerificationSession) error {
	switch {
	case after.Token != before.Token:
		return errors.Join(ErrInvalidTransition, errors.New("token is immutable"))
	case after.ExpectedPhone != before.ExpectedPhone:
		return errors.Join(ErrInvalidTransition, errors.New("expected phone is immutable"))
	case !after.Status.Valid():
		return errors.Join(ErrInvalidTransition, errors.New("unknown status "+string(after.Status)))
	case before.Status != model.StatusPending && after.Status != before.Status:
		return errors.Join(ErrInvalidTransition, errors.New("status "+string(before.Status)+" is terminal"))
	case before.ChatID != nil && (after.ChatID == nil || *after.ChatID != *before.ChatID):
		return errors.Join(ErrInvalidTransition, errors.New("chat is already bound"))
	case before.ChatID == nil && after.ChatID != nil && before.Status != model.StatusPending:
		return errors.Join(ErrInvalidTransition, errors.New("chat can only be bound while pending"))
	}
	return nil
}

func cloneSession(s model.VerificationSession) model.VerificationSession {
	out := s
	if s.ChatID != nil {
		v := *s.ChatID
		out.ChatID = &v
	}
	if s.TelegramID != nil {
		v := *s.TelegramID
		out.TelegramID = &v
	}
	if s.VerifiedAt != nil {
		v := *s.VerifiedAt
		out.VerifiedAt = &v
	}
	return out
}

// newer reports whether a should win over b when several pending sessions
// share a chat: latest created_at first, then the greater token.
func newer(a, b model.VerificationSession) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Token > b.Token
}

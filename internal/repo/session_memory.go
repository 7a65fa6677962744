package repo

import (
	"context"
	"sync"
	"time"

	"github.com/tgverify/server/internal/model"
)

// memorySessionRepo keeps sessions in process memory. The mutex only guards
// map access and in-memory mutation; callers never hold it across I/O.
type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.VerificationSession
	now      Clock
}

// NewMemorySessionRepo creates an in-memory SessionRepo for single-process deployments and tests.
func NewMemorySessionRepo(opts ...Option) SessionRepo {
	o := buildOptions(opts)
	return &memorySessionRepo{
		sessions: make(map[string]model.VerificationSession),
		now:      o.now,
	}
}

func (r *memorySessionRepo) Create(_ context.Context, s model.VerificationSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.Token]; exists {
		return ErrConflict
	}
	r.sessions[s.Token] = cloneSession(s)
	return nil
}

func (r *memorySessionRepo) Get(_ context.Context, token string) (model.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[token]
	if !ok {
		return model.VerificationSession{}, ErrNotFound
	}
	if applyExpiry(&s, r.now()) {
		r.sessions[token] = s
	}
	return cloneSession(s), nil
}

func (r *memorySessionRepo) Update(_ context.Context, token string, mutate MutateFunc) (model.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.sessions[token]
	if !ok {
		return model.VerificationSession{}, ErrNotFound
	}
	applyExpiry(&current, r.now())

	next, err := mutateSession(current, mutate)
	if err != nil {
		return model.VerificationSession{}, err
	}
	r.sessions[token] = next
	return cloneSession(next), nil
}

func (r *memorySessionRepo) FindPendingByChat(_ context.Context, chatID int64) (model.VerificationSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var (
		found model.VerificationSession
		ok    bool
	)
	for _, s := range r.sessions {
		if !s.BoundTo(chatID) || s.EffectiveStatus(now) != model.StatusPending {
			continue
		}
		if !ok || newer(s, found) {
			found, ok = s, true
		}
	}
	if !ok {
		return model.VerificationSession{}, ErrNotFound
	}
	return cloneSession(found), nil
}

func (r *memorySessionRepo) Delete(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[token]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, token)
	return nil
}

func (r *memorySessionRepo) PurgeExpired(_ context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for token, s := range r.sessions {
		if s.ExpiresAt.Before(before) {
			delete(r.sessions, token)
			n++
		}
	}
	return n, nil
}

package repo

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tgverify/server/internal/model"
)

var bucketSessions = []byte("verification_sessions")

// BoltSessionRepo stores sessions in a single bbolt bucket keyed by token.
// Every mutation runs in one bbolt write transaction, which bbolt serializes.
type BoltSessionRepo struct {
	db  *bbolt.DB
	now Clock
}

// NewBoltSessionRepo opens (or creates) the bbolt file at path.
func NewBoltSessionRepo(path string, opts ...Option) (*BoltSessionRepo, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}
	o := buildOptions(opts)
	return &BoltSessionRepo{db: db, now: o.now}, nil
}

// Close releases the bbolt file lock.
func (r *BoltSessionRepo) Close() error {
	return r.db.Close()
}

func (r *BoltSessionRepo) Create(_ context.Context, s model.VerificationSession) error {
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketSessions)
		if bkt.Get([]byte(s.Token)) != nil {
			return ErrConflict
		}
		return bkt.Put([]byte(s.Token), data)
	})
}

func (r *BoltSessionRepo) Get(ctx context.Context, token string) (model.VerificationSession, error) {
	var s model.VerificationSession
	err := r.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketSessions).Get([]byte(token))
		if val == nil {
			return ErrNotFound
		}
		var err error
		s, err = decodeSession(val)
		return err
	})
	if err != nil {
		return model.VerificationSession{}, err
	}
	if s.EffectiveStatus(r.now()) == s.Status {
		return s, nil
	}
	// Persist the lazy expiry; Update re-reads under the write lock.
	return r.Update(ctx, token, nil)
}

func (r *BoltSessionRepo) Update(_ context.Context, token string, mutate MutateFunc) (model.VerificationSession, error) {
	var next model.VerificationSession
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketSessions)
		val := bkt.Get([]byte(token))
		if val == nil {
			return ErrNotFound
		}
		current, err := decodeSession(val)
		if err != nil {
			return err
		}
		applyExpiry(&current, r.now())

		next, err = mutateSession(current, mutate)
		if err != nil {
			return err
		}
		data, err := encodeSession(next)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(token), data)
	})
	if err != nil {
		return model.VerificationSession{}, err
	}
	return next, nil
}

// FindPendingByChat scans the bucket; session counts are bounded by the TTL.
func (r *BoltSessionRepo) FindPendingByChat(_ context.Context, chatID int64) (model.VerificationSession, error) {
	now := r.now()
	var (
		found model.VerificationSession
		ok    bool
	)
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, val []byte) error {
			s, err := decodeSession(val)
			if err != nil {
				// Left for PurgeExpired to reclaim.
				return nil
			}
			if s.BoundTo(chatID) && s.EffectiveStatus(now) == model.StatusPending && (!ok || newer(s, found)) {
				found, ok = s, true
			}
			return nil
		})
	})
	if err != nil {
		return model.VerificationSession{}, fmt.Errorf("scan sessions: %w", err)
	}
	if !ok {
		return model.VerificationSession{}, ErrNotFound
	}
	return found, nil
}

func (r *BoltSessionRepo) Delete(_ context.Context, token string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketSessions)
		if bkt.Get([]byte(token)) == nil {
			return ErrNotFound
		}
		return bkt.Delete([]byte(token))
	})
}

func (r *BoltSessionRepo) PurgeExpired(_ context.Context, before time.Time) (int, error) {
	n := 0
	err := r.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketSessions)
		var stale [][]byte
		err := bkt.ForEach(func(key, val []byte) error {
			s, err := decodeSession(val)
			if err != nil {
				// Undecodable records are reclaimed along with expired ones.
				stale = append(stale, append([]byte(nil), key...))
				return nil
			}
			if s.ExpiresAt.Before(before) {
				stale = append(stale, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := bkt.Delete(key); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return n, nil
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tgverify/server/internal/model"
)

type pgSessionRepo struct {
	db  *sql.DB
	now Clock
}

// NewPgSessionRepo creates a PostgreSQL-backed SessionRepo. The full session
// lives in the data column (same record format as the bolt backend); status,
// chat_id and the timestamps are duplicated into columns for lookups.
func NewPgSessionRepo(db *sql.DB, opts ...Option) SessionRepo {
	o := buildOptions(opts)
	return &pgSessionRepo{db: db, now: o.now}
}

func (r *pgSessionRepo) Create(ctx context.Context, s model.VerificationSession) error {
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO verification_sessions (token, status, chat_id, created_at, expires_at, data)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (token) DO NOTHING
	`, s.Token, string(s.Status), s.ChatID, s.CreatedAt, s.ExpiresAt, string(data))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (r *pgSessionRepo) Get(ctx context.Context, token string) (model.VerificationSession, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM verification_sessions WHERE token = $1`, token).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.VerificationSession{}, ErrNotFound
		}
		return model.VerificationSession{}, fmt.Errorf("query session: %w", err)
	}
	s, err := decodeSession(data)
	if err != nil {
		return model.VerificationSession{}, err
	}
	if s.EffectiveStatus(r.now()) == s.Status {
		return s, nil
	}
	return r.Update(ctx, token, nil)
}

// Update locks the row with SELECT ... FOR UPDATE so concurrent updates of the
// same token serialize; other tokens are unaffected.
func (r *pgSessionRepo) Update(ctx context.Context, token string, mutate MutateFunc) (model.VerificationSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.VerificationSession{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var data []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM verification_sessions WHERE token = $1 FOR UPDATE`, token).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.VerificationSession{}, ErrNotFound
		}
		return model.VerificationSession{}, fmt.Errorf("lock session: %w", err)
	}
	current, err := decodeSession(data)
	if err != nil {
		return model.VerificationSession{}, err
	}
	applyExpiry(&current, r.now())

	next, err := mutateSession(current, mutate)
	if err != nil {
		return model.VerificationSession{}, err
	}
	encoded, err := encodeSession(next)
	if err != nil {
		return model.VerificationSession{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE verification_sessions
		SET status = $2, chat_id = $3, data = $4::jsonb
		WHERE token = $1
	`, token, string(next.Status), next.ChatID, string(encoded))
	if err != nil {
		return model.VerificationSession{}, fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.VerificationSession{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (r *pgSessionRepo) FindPendingByChat(ctx context.Context, chatID int64) (model.VerificationSession, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT data FROM verification_sessions
		WHERE chat_id = $1
		  AND status = 'pending'
		  AND expires_at >= $2
		ORDER BY created_at DESC, token DESC
		LIMIT 1
	`, chatID, r.now()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.VerificationSession{}, ErrNotFound
		}
		return model.VerificationSession{}, fmt.Errorf("query pending session by chat: %w", err)
	}
	return decodeSession(data)
}

func (r *pgSessionRepo) Delete(ctx context.Context, token string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM verification_sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgSessionRepo) PurgeExpired(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM verification_sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return int(n), nil
}

package repo

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/tgverify/server/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sessionRecord is the persisted shape of a session, shared by every
// document-style backend. Only strings, numbers and nulls are used; times are
// unix milliseconds.
type sessionRecord struct {
	Token         string `json:"token"`
	Status        string `json:"status"`
	ExpectedPhone string `json:"expected_phone"`
	ChatID        *int64 `json:"chat_id"`
	ClientSecret  string `json:"client_secret"`
	WebhookURL    string `json:"webhook_url"`
	TelegramID    *int64 `json:"telegram_id"`
	FirstName     string `json:"first_name"`
	Phone         string `json:"phone"`
	VerifiedAt    *int64 `json:"verified_at"`
	CreatedAt     int64  `json:"created_at"`
	ExpiresAt     int64  `json:"expires_at"`
}

func encodeSession(s model.VerificationSession) ([]byte, error) {
	rec := sessionRecord{
		Token:         s.Token,
		Status:        string(s.Status),
		ExpectedPhone: s.ExpectedPhone,
		ChatID:        s.ChatID,
		ClientSecret:  s.ClientSecret,
		WebhookURL:    s.WebhookURL,
		TelegramID:    s.TelegramID,
		FirstName:     s.FirstName,
		Phone:         s.Phone,
		CreatedAt:     s.CreatedAt.UnixMilli(),
		ExpiresAt:     s.ExpiresAt.UnixMilli(),
	}
	if s.VerifiedAt != nil {
		ms := s.VerifiedAt.UnixMilli()
		rec.VerifiedAt = &ms
	}
	b, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.Token, err)
	}
	return b, nil
}

func decodeSession(data []byte) (model.VerificationSession, error) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.VerificationSession{}, fmt.Errorf("decode session: %w", err)
	}
	if rec.Token == "" {
		return model.VerificationSession{}, fmt.Errorf("decode session: missing token")
	}
	status := model.Status(rec.Status)
	if !status.Valid() {
		return model.VerificationSession{}, fmt.Errorf("decode session %s: unknown status %q", rec.Token, rec.Status)
	}
	if rec.ExpiresAt == 0 {
		return model.VerificationSession{}, fmt.Errorf("decode session %s: missing expires_at", rec.Token)
	}

	s := model.VerificationSession{
		Token:         rec.Token,
		Status:        status,
		ExpectedPhone: rec.ExpectedPhone,
		ChatID:        rec.ChatID,
		ClientSecret:  rec.ClientSecret,
		WebhookURL:    rec.WebhookURL,
		TelegramID:    rec.TelegramID,
		FirstName:     rec.FirstName,
		Phone:         rec.Phone,
		CreatedAt:     time.UnixMilli(rec.CreatedAt).UTC(),
		ExpiresAt:     time.UnixMilli(rec.ExpiresAt).UTC(),
	}
	if rec.VerifiedAt != nil {
		t := time.UnixMilli(*rec.VerifiedAt).UTC()
		s.VerifiedAt = &t
	}
	return s, nil
}

package verification

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tgverify/server/internal/model"
	"github.com/tgverify/server/internal/phone"
	"github.com/tgverify/server/internal/repo"
)

// maxTokenAttempts bounds retries when a freshly generated token collides.
const maxTokenAttempts = 3

// InitRequest carries the caller-supplied fields of a new verification.
type InitRequest struct {
	Phone        string
	WebhookURL   string
	ClientSecret string
}

// InitResult is returned to the caller that started a verification.
type InitResult struct {
	Token     string
	BotLink   string
	ExpiresIn int
}

// SessionView is the caller-visible projection of a session. It has no
// client secret field, so the secret can never leak through the check API.
type SessionView struct {
	Token         string
	Status        model.Status
	ExpectedPhone string
	WebhookURL    string
	ChatID        *int64
	TelegramID    *int64
	FirstName     string
	Phone         string
	VerifiedAt    *time.Time
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Service orchestrates session creation and status checks
type Service struct {
	sessions    repo.SessionRepo
	botUsername string
	ttl         time.Duration
	now         func() time.Time
	newToken    func() (string, error)
}

// NewService creates a new verification service
func NewService(sessions repo.SessionRepo, botUsername string, ttl time.Duration) *Service {
	return &Service{
		sessions:    sessions,
		botUsername: strings.TrimPrefix(botUsername, "@"),
		ttl:         ttl,
		now:         time.Now,
		newToken:    newToken,
	}
}

// InitSession validates the request, stores a new pending session and returns its bot deep link.
func (s *Service) InitSession(ctx context.Context, req InitRequest) (InitResult, error) {
	if !phone.Validate(req.Phone) {
		return InitResult{}, ErrInvalidPhone
	}
	webhookURL := strings.TrimSpace(req.WebhookURL)
	if err := validateWebhookURL(webhookURL); err != nil {
		return InitResult{}, err
	}

	now := s.now()
	session := model.VerificationSession{
		Status:        model.StatusPending,
		ExpectedPhone: phone.Normalize(req.Phone),
		ClientSecret:  req.ClientSecret,
		WebhookURL:    webhookURL,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}

	for attempt := 1; ; attempt++ {
		token, err := s.newToken()
		if err != nil {
			return InitResult{}, fmt.Errorf("generate token: %w", err)
		}
		session.Token = token

		err = s.sessions.Create(ctx, session)
		if err == nil {
			break
		}
		if errors.Is(err, repo.ErrConflict) && attempt < maxTokenAttempts {
			continue
		}
		return InitResult{}, fmt.Errorf("create session: %w", err)
	}

	return InitResult{
		Token:     session.Token,
		BotLink:   s.BotLink(session.Token),
		ExpiresIn: int(s.ttl / time.Second),
	}, nil
}

// CheckSession returns the current view of a session, with lazy expiry applied.
func (s *Service) CheckSession(ctx context.Context, token string) (SessionView, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionView{}, ErrSessionNotFound
	}
	session, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return SessionView{}, ErrSessionNotFound
		}
		return SessionView{}, fmt.Errorf("get session: %w", err)
	}
	return viewOf(session), nil
}

// BotLink builds the Telegram deep link that starts the bot with token as payload.
func (s *Service) BotLink(token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", s.botUsername, url.QueryEscape(token))
}

func viewOf(s model.VerificationSession) SessionView {
	return SessionView{
		Token:         s.Token,
		Status:        s.Status,
		ExpectedPhone: s.ExpectedPhone,
		WebhookURL:    s.WebhookURL,
		ChatID:        s.ChatID,
		TelegramID:    s.TelegramID,
		FirstName:     s.FirstName,
		Phone:         s.Phone,
		VerifiedAt:    s.VerifiedAt,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
	}
}

// validateWebhookURL accepts an empty value or an absolute https URL with a host.
func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Scheme, "https") || u.Host == "" {
		return ErrInvalidWebhookURL
	}
	return nil
}

// newToken returns a random (version 4) UUID in canonical form.
func newToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

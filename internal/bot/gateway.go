// Package bot implements the Telegram side of phone verification: the
// /start deep-link handshake and the contact-sharing step that completes it.
package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/tgverify/server/internal/model"
	"github.com/tgverify/server/internal/phone"
	"github.com/tgverify/server/internal/repo"
	"github.com/tgverify/server/internal/webhook"
)

const startCommand = "/start"

var (
	errNotPending     = errors.New("session is not pending")
	errBoundElsewhere = errors.New("session is bound to another chat")
)

// Sender delivers replies to a Telegram chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup) error
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string, markup models.ReplyMarkup) error
}

// Notifier schedules the caller's webhook after a successful verification.
// Implementations must not block.
type Notifier interface {
	Notify(webhookURL string, payload webhook.Payload)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSuccessPhoto makes the success reply a photo with the success text as caption.
func WithSuccessPhoto(url string) Option {
	return func(g *Gateway) {
		g.successPhotoURL = strings.TrimSpace(url)
	}
}

// WithClock overrides the time source used for verified_at.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// Gateway turns Telegram updates into session transitions.
type Gateway struct {
	sessions        repo.SessionRepo
	notifier        Notifier
	logger          zerolog.Logger
	successPhotoURL string
	now             func() time.Time
}

// NewGateway creates a gateway over the given session store.
func NewGateway(sessions repo.SessionRepo, notifier Notifier, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		sessions: sessions,
		notifier: notifier,
		logger:   logger.With().Str("component", "bot").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Process handles a single update. Only private messages carry the protocol;
// everything else is ignored.
func (g *Gateway) Process(ctx context.Context, s Sender, update *models.Update) {
	if update == nil || update.Message == nil {
		return
	}
	msg := update.Message
	chatID := msg.Chat.ID

	if msg.Contact != nil {
		g.handleContact(ctx, s, msg)
		return
	}

	if payload, ok := parseStart(msg.Text); ok {
		if payload == "" {
			g.reply(ctx, s, chatID, msgWelcome, nil)
			return
		}
		g.handleStart(ctx, s, chatID, payload)
		return
	}

	g.reply(ctx, s, chatID, msgUsage, nil)
}

func (g *Gateway) handleStart(ctx context.Context, s Sender, chatID int64, token string) {
	log := g.logger.With().Str("token", token).Int64("chat_id", chatID).Logger()

	var observed model.Status
	_, err := g.sessions.Update(ctx, token, func(sess *model.VerificationSession) error {
		observed = sess.Status
		if sess.Status != model.StatusPending {
			return errNotPending
		}
		if sess.ChatID != nil {
			if *sess.ChatID == chatID {
				return nil
			}
			return errBoundElsewhere
		}
		sess.ChatID = &chatID
		return nil
	})

	switch {
	case err == nil:
		log.Info().Msg("session bound to chat")
		g.reply(ctx, s, chatID, msgSharePrompt, contactKeyboard())
	case errors.Is(err, repo.ErrNotFound):
		log.Info().Msg("start with unknown token")
		g.reply(ctx, s, chatID, msgInvalidOrExpired, nil)
	case errors.Is(err, errNotPending) && observed == model.StatusVerified:
		g.reply(ctx, s, chatID, msgAlreadyVerified, nil)
	case errors.Is(err, errNotPending):
		log.Info().Str("status", string(observed)).Msg("start with expired session")
		g.reply(ctx, s, chatID, msgInvalidOrExpired, nil)
	case errors.Is(err, errBoundElsewhere):
		log.Warn().Msg("start link reused from another chat")
		g.reply(ctx, s, chatID, msgUsedElsewhere, nil)
	default:
		log.Error().Err(err).Msg("failed to bind session")
		g.reply(ctx, s, chatID, msgError, nil)
	}
}

func (g *Gateway) handleContact(ctx context.Context, s Sender, msg *models.Message) {
	chatID := msg.Chat.ID
	contact := msg.Contact
	log := g.logger.With().Int64("chat_id", chatID).Str("phone", phone.Mask(contact.PhoneNumber)).Logger()

	if msg.From == nil || contact.UserID == 0 || contact.UserID != msg.From.ID {
		log.Warn().Int64("contact_user_id", contact.UserID).Msg("contact does not belong to sender")
		g.reply(ctx, s, chatID, msgNotOwnContact, nil)
		return
	}
	telegramID := msg.From.ID

	pending, err := g.sessions.FindPendingByChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.Info().Msg("contact without pending session")
			g.reply(ctx, s, chatID, msgSessionExpired, removeKeyboard())
			return
		}
		log.Error().Err(err).Msg("failed to look up pending session")
		g.reply(ctx, s, chatID, msgError, nil)
		return
	}
	log = log.With().Str("token", pending.Token).Logger()

	if !phone.Equal(contact.PhoneNumber, pending.ExpectedPhone) {
		log.Info().Str("expected", phone.Mask(pending.ExpectedPhone)).Msg("phone mismatch")
		g.reply(ctx, s, chatID, msgPhoneMismatch, nil)
		return
	}

	var observed model.Status
	verified, err := g.sessions.Update(ctx, pending.Token, func(sess *model.VerificationSession) error {
		observed = sess.Status
		if sess.Status != model.StatusPending || !sess.BoundTo(chatID) {
			return errNotPending
		}
		now := g.now().UTC()
		sess.Status = model.StatusVerified
		sess.TelegramID = &telegramID
		sess.FirstName = contact.FirstName
		sess.Phone = contact.PhoneNumber
		sess.VerifiedAt = &now
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errNotPending) && observed == model.StatusVerified:
		g.reply(ctx, s, chatID, msgAlreadyVerified, removeKeyboard())
		return
	case errors.Is(err, errNotPending), errors.Is(err, repo.ErrNotFound):
		g.reply(ctx, s, chatID, msgSessionExpired, removeKeyboard())
		return
	default:
		log.Error().Err(err).Msg("failed to commit verification")
		g.reply(ctx, s, chatID, msgError, nil)
		return
	}

	log.Info().Int64("telegram_id", telegramID).Msg("phone verified")

	if g.notifier != nil {
		g.notifier.Notify(verified.WebhookURL, webhook.Payload{
			Event:      webhook.EventVerificationSuccess,
			Token:      verified.Token,
			Status:     string(verified.Status),
			Phone:      verified.Phone,
			TelegramID: telegramID,
			FirstName:  verified.FirstName,
			VerifiedAt: *verified.VerifiedAt,
			Secret:     verified.ClientSecret,
		})
	}

	if g.successPhotoURL != "" {
		err := s.SendPhoto(ctx, chatID, g.successPhotoURL, msgVerified, removeKeyboard())
		if err == nil {
			return
		}
		log.Warn().Err(err).Msg("failed to send success photo, falling back to text")
	}
	g.reply(ctx, s, chatID, msgVerified, removeKeyboard())
}

func (g *Gateway) reply(ctx context.Context, s Sender, chatID int64, text string, markup models.ReplyMarkup) {
	if err := s.SendText(ctx, chatID, text, markup); err != nil {
		g.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send reply")
	}
}

// parseStart recognises "/start", "/start <payload>" and "/start@bot <payload>".
func parseStart(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	cmd := fields[0]
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if !strings.EqualFold(cmd, startCommand) {
		return "", false
	}
	if len(fields) < 2 {
		return "", true
	}
	return fields[1], true
}

func contactKeyboard() models.ReplyMarkup {
	return &models.ReplyKeyboardMarkup{
		Keyboard: [][]models.KeyboardButton{
			{{Text: msgShareButton, RequestContact: true}},
		},
		ResizeKeyboard:  true,
		OneTimeKeyboard: true,
	}
}

func removeKeyboard() models.ReplyMarkup {
	return &models.ReplyKeyboardRemove{RemoveKeyboard: true}
}

package bot

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/tgverify/server/internal/config"
)

const sendTimeout = 15 * time.Second

// secretTokenHeader carries the secret_token registered with setWebhook.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

var allowedUpdates = tgbot.AllowedUpdates{"message"}

// botSender adapts the Telegram client to Sender.
type botSender struct {
	b *tgbot.Bot
}

func (s botSender) SendText(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	params := &tgbot.SendMessageParams{ChatID: chatID, Text: text}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := s.b.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (s botSender) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string, markup models.ReplyMarkup) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	params := &tgbot.SendPhotoParams{
		ChatID:  chatID,
		Photo:   &models.InputFileString{Data: photoURL},
		Caption: caption,
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := s.b.SendPhoto(ctx, params); err != nil {
		return fmt.Errorf("send photo: %w", err)
	}
	return nil
}

// Handle is the go-telegram/bot handler entry point.
func (g *Gateway) Handle(ctx context.Context, b *tgbot.Bot, update *models.Update) {
	g.Process(ctx, botSender{b: b}, update)
}

// RecoverMiddleware keeps a panicking update from taking the bot down.
func RecoverMiddleware(logger zerolog.Logger) tgbot.Middleware {
	return func(next tgbot.HandlerFunc) tgbot.HandlerFunc {
		return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
			defer func() {
				if r := recover(); r != nil {
					evt := logger.Error().Interface("panic", r)
					if update != nil {
						evt = evt.Int64("update_id", update.ID)
					}
					evt.Msg("telegram handler panicked")
				}
			}()
			next(ctx, b, update)
		}
	}
}

// LoggingMiddleware logs every update with its processing time.
func LoggingMiddleware(logger zerolog.Logger) tgbot.Middleware {
	return func(next tgbot.HandlerFunc) tgbot.HandlerFunc {
		return func(ctx context.Context, b *tgbot.Bot, update *models.Update) {
			start := time.Now()
			next(ctx, b, update)

			evt := logger.Debug().Dur("took", time.Since(start))
			if update != nil {
				evt = evt.Int64("update_id", update.ID)
				if update.Message != nil {
					evt = evt.Int64("chat_id", update.Message.Chat.ID).Bool("contact", update.Message.Contact != nil)
				}
			}
			evt.Msg("telegram update handled")
		}
	}
}

// Client owns the Telegram connection and feeds updates to the gateway.
type Client struct {
	bot           *tgbot.Bot
	mode          string
	webhookURL    string
	webhookSecret string
	logger        zerolog.Logger
}

// NewClient creates the Telegram client for the configured run mode.
func NewClient(cfg *config.Config, gateway *Gateway, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	logger = logger.With().Str("component", "telegram").Logger()

	opts := []tgbot.Option{
		tgbot.WithDefaultHandler(gateway.Handle),
		tgbot.WithMiddlewares(RecoverMiddleware(logger), LoggingMiddleware(logger)),
		tgbot.WithAllowedUpdates(allowedUpdates),
		tgbot.WithErrorsHandler(func(err error) {
			logger.Warn().Err(err).Msg("telegram client error")
		}),
	}

	b, err := tgbot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	logger.Info().Str("mode", cfg.TelegramRunMode).Msg("Telegram bot created successfully")

	return &Client{
		bot:           b,
		mode:          cfg.TelegramRunMode,
		webhookURL:    cfg.TelegramWebhookURL,
		webhookSecret: cfg.TelegramWebhookSecret,
		logger:        logger,
	}, nil
}

// WebhookHandler returns the HTTP handler Telegram posts updates to, or nil
// when the client runs in long-polling mode. Requests without the registered
// secret token are rejected before they reach the bot.
func (c *Client) WebhookHandler() http.Handler {
	if c.mode != config.RunModeWebhook {
		return nil
	}
	return requireSecretToken(c.webhookSecret, c.bot.WebhookHandler(), c.logger)
}

// requireSecretToken only lets requests through whose secret token header
// matches secret. An empty secret rejects everything.
func requireSecretToken(secret string, next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(secretTokenHeader)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logger.Warn().Str("remote", r.RemoteAddr).Msg("rejected telegram webhook request with bad secret token")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start receives updates until ctx is cancelled. It blocks.
func (c *Client) Start(ctx context.Context) error {
	if c.mode == config.RunModeWebhook {
		if _, err := c.bot.SetWebhook(ctx, &tgbot.SetWebhookParams{
			URL:         c.webhookURL,
			SecretToken: c.webhookSecret,
		}); err != nil {
			return fmt.Errorf("set telegram webhook: %w", err)
		}
		c.logger.Info().Str("url", c.webhookURL).Msg("Starting Telegram bot (webhook)...")
		c.bot.StartWebhook(ctx)
	} else {
		if _, err := c.bot.DeleteWebhook(ctx, &tgbot.DeleteWebhookParams{}); err != nil {
			c.logger.Warn().Err(err).Msg("failed to delete telegram webhook before polling")
		}
		c.logger.Info().Msg("Starting Telegram bot (long polling)...")
		c.bot.Start(ctx)
	}
	c.logger.Info().Msg("Telegram bot stopped")
	return nil
}

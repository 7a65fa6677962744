package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tgverify/server/internal/middleware"
	"github.com/tgverify/server/internal/phone"
	"github.com/tgverify/server/internal/verification"
)

const maxBodyBytes = 16 << 10

// SessionService is the part of verification.Service the HTTP API needs
type SessionService interface {
	InitSession(ctx context.Context, req verification.InitRequest) (verification.InitResult, error)
	CheckSession(ctx context.Context, token string) (verification.SessionView, error)
}

// VerificationHandler handles the caller-facing verification endpoints
type VerificationHandler struct {
	service SessionService
	logger  zerolog.Logger
}

// NewVerificationHandler creates a new verification handler
func NewVerificationHandler(service SessionService, logger zerolog.Logger) *VerificationHandler {
	return &VerificationHandler{
		service: service,
		logger:  logger.With().Str("component", "api").Logger(),
	}
}

// initRequest is the request body for POST /api/init
type initRequest struct {
	Phone        string `json:"phone"`
	WebhookURL   string `json:"webhook_url"`
	ClientSecret string `json:"client_secret"`
}

// initResponse is the JSON response for init
type initResponse struct {
	Token     string `json:"token"`
	BotLink   string `json:"bot_link"`
	ExpiresIn int    `json:"expires_in"`
}

// sessionResponse is the JSON response for check. It never carries the client secret.
type sessionResponse struct {
	Token         string     `json:"token"`
	Status        string     `json:"status"`
	ExpectedPhone string     `json:"expected_phone"`
	WebhookURL    string     `json:"webhook_url,omitempty"`
	ChatID        *int64     `json:"chat_id"`
	TelegramID    *int64     `json:"telegram_id"`
	FirstName     string     `json:"first_name,omitempty"`
	Phone         string     `json:"phone,omitempty"`
	VerifiedAt    *time.Time `json:"verified_at"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
}

// HandleInit handles POST /api/init
func (h *VerificationHandler) HandleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	log := h.requestLogger(r).With().Str("phone", phone.Mask(req.Phone)).Logger()

	res, err := h.service.InitSession(r.Context(), verification.InitRequest{
		Phone:        strings.TrimSpace(req.Phone),
		WebhookURL:   req.WebhookURL,
		ClientSecret: req.ClientSecret,
	})
	if err != nil {
		var ve *verification.ValidationError
		if errors.As(err, &ve) {
			log.Info().Str("field", ve.Field).Msg("init rejected")
			respondWithError(w, http.StatusBadRequest, ve.Error())
			return
		}
		log.Error().Err(err).Msg("failed to init session")
		respondWithError(w, http.StatusInternalServerError, "failed to create verification session")
		return
	}

	log.Info().Str("token", res.Token).Msg("verification session created")
	respondWithJSON(w, http.StatusCreated, initResponse{
		Token:     res.Token,
		BotLink:   res.BotLink,
		ExpiresIn: res.ExpiresIn,
	})
}

// HandleCheck handles GET /api/check/{token}
func (h *VerificationHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	view, err := h.service.CheckSession(r.Context(), token)
	if err != nil {
		if errors.Is(err, verification.ErrSessionNotFound) {
			respondWithError(w, http.StatusNotFound, "session not found")
			return
		}
		log := h.requestLogger(r)
		log.Error().Err(err).Str("token", token).Msg("failed to check session")
		respondWithError(w, http.StatusInternalServerError, "failed to load verification session")
		return
	}

	respondWithJSON(w, http.StatusOK, sessionResponse{
		Token:         view.Token,
		Status:        string(view.Status),
		ExpectedPhone: view.ExpectedPhone,
		WebhookURL:    view.WebhookURL,
		ChatID:        view.ChatID,
		TelegramID:    view.TelegramID,
		FirstName:     view.FirstName,
		Phone:         view.Phone,
		VerifiedAt:    view.VerifiedAt,
		CreatedAt:     view.CreatedAt,
		ExpiresAt:     view.ExpiresAt,
	})
}

func (h *VerificationHandler) requestLogger(r *http.Request) zerolog.Logger {
	ctx := h.logger.With()
	if caller, ok := middleware.GetCaller(r.Context()); ok {
		ctx = ctx.Str("caller", caller)
	}
	return ctx.Logger()
}

// respondWithJSON writes v as a JSON response with the given status
func respondWithJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}

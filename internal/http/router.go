package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tgverify/server/internal/auth"
	"github.com/tgverify/server/internal/http/handlers"
	"github.com/tgverify/server/internal/middleware"
)

// TelegramWebhookPath is where Telegram posts updates in webhook run mode.
const TelegramWebhookPath = "/telegram/webhook"

// RouterConfig carries everything the router wires together
type RouterConfig struct {
	Verification *handlers.VerificationHandler
	// JWT enables caller authentication on /api when set.
	JWT *auth.JWTService
	// InitLimiter throttles POST /api/init per client IP when set.
	InitLimiter *middleware.RateLimiter
	// TelegramWebhook is mounted at TelegramWebhookPath when set.
	TelegramWebhook http.Handler
	Logger          zerolog.Logger
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.CallerAuth(cfg.JWT))
		r.With(middleware.RateLimitMiddleware(cfg.InitLimiter, middleware.GetIPKey)).
			Post("/init", cfg.Verification.HandleInit)
		r.Get("/check/{token}", cfg.Verification.HandleCheck)
	})

	if cfg.TelegramWebhook != nil {
		r.Method(http.MethodPost, TelegramWebhookPath, cfg.TelegramWebhook)
	}

	return r
}

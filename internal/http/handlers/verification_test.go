package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgverify/server/internal/model"
	"github.com/tgverify/server/internal/verification"
)

type stubService struct {
	initReq  verification.InitRequest
	initRes  verification.InitResult
	initErr  error
	view     verification.SessionView
	checkErr error
}

func (s *stubService) InitSession(_ context.Context, req verification.InitRequest) (verification.InitResult, error) {
	s.initReq = req
	return s.initRes, s.initErr
}

func (s *stubService) CheckSession(_ context.Context, token string) (verification.SessionView, error) {
	if s.checkErr != nil {
		return verification.SessionView{}, s.checkErr
	}
	v := s.view
	v.Token = token
	return v, nil
}

func newTestRouter(svc SessionService) http.Handler {
	h := NewVerificationHandler(svc, zerolog.Nop())
	r := chi.NewRouter()
	r.Post("/api/init", h.HandleInit)
	r.Get("/api/check/{token}", h.HandleCheck)
	r.Get("/health", NewHealthHandler().ServeHTTP)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestHandleInit_created(t *testing.T) {
	svc := &stubService{initRes: verification.InitResult{Token: "T", BotLink: "https://t.me/bot?start=T", ExpiresIn: 600}}
	rec, body := do(t, newTestRouter(svc), http.MethodPost, "/api/init",
		`{"phone":" 0911234567 ","webhook_url":"https://x","client_secret":"s"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "T", body["token"])
	assert.Equal(t, "https://t.me/bot?start=T", body["bot_link"])
	assert.EqualValues(t, 600, body["expires_in"])
	assert.Equal(t, verification.InitRequest{Phone: "0911234567", WebhookURL: "https://x", ClientSecret: "s"}, svc.initReq)
}

func TestHandleInit_errors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"malformed body", `{"phone":`, nil, http.StatusBadRequest},
		{"invalid phone", `{"phone":"1"}`, verification.ErrInvalidPhone, http.StatusBadRequest},
		{"http webhook", `{"phone":"0911234567","webhook_url":"http://x"}`, verification.ErrInvalidWebhookURL, http.StatusBadRequest},
		{"store down", `{"phone":"0911234567"}`, errors.New("create session: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, newTestRouter(&stubService{initErr: tc.err}), http.MethodPost, "/api/init", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.NotEmpty(t, body["error"])
			assert.NotContains(t, rec.Body.String(), "connection refused", "internal errors are not echoed")
		})
	}
}

func TestHandleCheck(t *testing.T) {
	verifiedAt := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	chatID, telegramID := int64(555), int64(555)
	svc := &stubService{view: verification.SessionView{
		Status:        model.StatusVerified,
		ExpectedPhone: "251911234567",
		ChatID:        &chatID,
		TelegramID:    &telegramID,
		FirstName:     "Abebe",
		Phone:         "0911234567",
		VerifiedAt:    &verifiedAt,
		CreatedAt:     verifiedAt.Add(-time.Minute),
		ExpiresAt:     verifiedAt.Add(9 * time.Minute),
	}}

	rec, body := do(t, newTestRouter(svc), http.MethodGet, "/api/check/T", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "T", body["token"])
	assert.Equal(t, "verified", body["status"])
	assert.EqualValues(t, 555, body["telegram_id"])
	assert.Equal(t, "0911234567", body["phone"])
	assert.Equal(t, "2026-03-01T10:01:00Z", body["verified_at"])
	assert.NotContains(t, body, "client_secret")
}

func TestHandleCheck_errors(t *testing.T) {
	rec, _ := do(t, newTestRouter(&stubService{checkErr: verification.ErrSessionNotFound}), http.MethodGet, "/api/check/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, newTestRouter(&stubService{checkErr: errors.New("boom")}), http.MethodGet, "/api/check/T", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleCheck_logsStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	h := NewVerificationHandler(&stubService{checkErr: errors.New("boom")}, zerolog.New(&buf))
	r := chi.NewRouter()
	r.Get("/api/check/{token}", h.HandleCheck)

	rec, body := do(t, r, http.MethodGet, "/api/check/T", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to load verification session", body["error"])

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"token":"T"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, "failed to check session")
}

func TestHealth(t *testing.T) {
	rec, body := do(t, newTestRouter(&stubService{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}

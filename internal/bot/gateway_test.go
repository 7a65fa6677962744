package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgverify/server/internal/model"
	"github.com/tgverify/server/internal/repo"
	"github.com/tgverify/server/internal/webhook"
)

type sentMessage struct {
	chatID int64
	text   string
	photo  string
	markup models.ReplyMarkup
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	photoErr error
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, text string, markup models.ReplyMarkup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text, markup: markup})
	return nil
}

func (f *fakeSender) SendPhoto(_ context.Context, chatID int64, photoURL, caption string, markup models.ReplyMarkup) error {
	if f.photoErr != nil {
		return f.photoErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: caption, photo: photoURL, markup: markup})
	return nil
}

func (f *fakeSender) last(t *testing.T) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "no reply was sent")
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.text == text {
			n++
		}
	}
	return n
}

type notification struct {
	url     string
	payload webhook.Payload
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (f *fakeNotifier) Notify(url string, payload webhook.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{url: url, payload: payload})
}

func (f *fakeNotifier) snapshot() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notification(nil), f.calls...)
}

type fixture struct {
	now      time.Time
	sessions repo.SessionRepo
	notifier *fakeNotifier
	sender   *fakeSender
	gateway  *Gateway
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		notifier: &fakeNotifier{},
		sender:   &fakeSender{},
	}
	clock := func() time.Time { return f.now }
	f.sessions = repo.NewMemorySessionRepo(repo.WithClock(clock))
	f.gateway = NewGateway(f.sessions, f.notifier, zerolog.Nop(), append([]Option{WithClock(clock)}, opts...)...)
	return f
}

func (f *fixture) createSession(t *testing.T, token, expectedPhone string) {
	t.Helper()
	require.NoError(t, f.sessions.Create(context.Background(), model.VerificationSession{
		Token:         token,
		Status:        model.StatusPending,
		ExpectedPhone: expectedPhone,
		ClientSecret:  "s3cret",
		WebhookURL:    "https://client.example/hook",
		CreatedAt:     f.now,
		ExpiresAt:     f.now.Add(10 * time.Minute),
	}))
}

func (f *fixture) process(update *models.Update) {
	f.gateway.Process(context.Background(), f.sender, update)
}

func (f *fixture) session(t *testing.T, token string) model.VerificationSession {
	t.Helper()
	s, err := f.sessions.Get(context.Background(), token)
	require.NoError(t, err)
	return s
}

func textUpdate(chatID int64, text string) *models.Update {
	return &models.Update{
		ID: 1,
		Message: &models.Message{
			Chat: models.Chat{ID: chatID},
			From: &models.User{ID: chatID, FirstName: "Abebe"},
			Text: text,
		},
	}
}

func contactUpdate(chatID, fromID, contactUserID int64, phoneNumber string) *models.Update {
	return &models.Update{
		ID: 2,
		Message: &models.Message{
			Chat: models.Chat{ID: chatID},
			From: &models.User{ID: fromID, FirstName: "Abebe"},
			Contact: &models.Contact{
				UserID:      contactUserID,
				PhoneNumber: phoneNumber,
				FirstName:   "Abebe",
			},
		},
	}
}

func TestGateway_happyPath(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "T", "251911234567")

	f.process(textUpdate(555, "/start T"))
	prompt := f.sender.last(t)
	assert.Equal(t, msgSharePrompt, prompt.text)
	kb, ok := prompt.markup.(*models.ReplyKeyboardMarkup)
	require.True(t, ok, "prompt carries a reply keyboard")
	require.Len(t, kb.Keyboard, 1)
	require.Len(t, kb.Keyboard[0], 1)
	assert.True(t, kb.Keyboard[0][0].RequestContact)
	assert.True(t, kb.OneTimeKeyboard)

	bound := f.session(t, "T")
	require.NotNil(t, bound.ChatID)
	assert.Equal(t, int64(555), *bound.ChatID)
	assert.Equal(t, model.StatusPending, bound.Status)

	f.now = f.now.Add(30 * time.Second)
	f.process(contactUpdate(555, 555, 555, "+251911234567"))

	done := f.sender.last(t)
	assert.Equal(t, msgVerified, done.text)
	assert.IsType(t, &models.ReplyKeyboardRemove{}, done.markup)

	verified := f.session(t, "T")
	assert.Equal(t, model.StatusVerified, verified.Status)
	require.NotNil(t, verified.TelegramID)
	assert.Equal(t, int64(555), *verified.TelegramID)
	assert.Equal(t, "Abebe", verified.FirstName)
	assert.Equal(t, "+251911234567", verified.Phone)
	require.NotNil(t, verified.VerifiedAt)
	assert.True(t, verified.VerifiedAt.Equal(f.now))

	calls := f.notifier.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://client.example/hook", calls[0].url)
	assert.Equal(t, webhook.Payload{
		Event:      webhook.EventVerificationSuccess,
		Token:      "T",
		Status:     "verified",
		Phone:      "+251911234567",
		TelegramID: 555,
		FirstName:  "Abebe",
		VerifiedAt: f.now,
		Secret:     "s3cret",
	}, calls[0].payload)
}

func TestGateway_startWithoutPayload(t *testing.T) {
	f := newFixture(t)
	f.process(textUpdate(1, "/start"))
	assert.Equal(t, msgWelcome, f.sender.last(t).text)
}

func TestGateway_startUnknownToken(t *testing.T) {
	f := newFixture(t)
	f.process(textUpdate(1, "/start nope"))
	assert.Equal(t, msgInvalidOrExpired, f.sender.last(t).text)
}

func TestGateway_startExpiredSession(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "T", "251911234567")
	f.now = f.now.Add(11 * time.Minute)

	f.process(textUpdate(555, "/start T"))

	assert.Equal(t, msgInvalidOrExpired, f.sender.last(t).text)
	s := f.session(t, "T")
	assert.Equal(t, model.StatusExpired, s.Status)
	assert.Nil(t, s.ChatID, "expired sessions are never bound")
}

func TestGateway_startVerifiedSession(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "T", "251911234567")
	f.process(textUpdate(555, "/start T"))
	f.process(contactUpdate(555, 555, 555, "251911234567"))

	f.process(textUpdate(555, "/start T"))
	assert.Equal(t, msgAlreadyVerified, f.sender.last(t).text)
}

func TestGateway_startIsIdempotentAndNeverRebinds(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "T", "251911234567")

	f.process(textUpdate(555, "/start T"))
	f.process(textUpdate(555, "/start@phone_verify_bot T"))
	assert.Equal(t, msgSharePrompt, f.sender.last(t).text)

	f.process(textUpdate(777, "/start T"))
	assert.Equal(t, msgUsedElsewhere, f.sender.last(t).text)

	s := f.session(t, "T")
	require.NotNil(t, s.ChatID)
	assert.Equal(t, int64(555), *s.ChatID)
}

func TestGateway_forwardedContactIsRejected(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "T", "251911234567")
	f.process(textUpdate(555, "/start T"))

	f.process(contactUpdate(555, 555, 999, "251911234567"))

	assert.Equal(t, msgNotOwnContact, f.sender.last(t).text)
	s := f.session(t, "T")
	assert.Equal(t, model.StatusPending, s.Status)
	assert.Nil(t, s.TelegramID)
	assert.Empty(t, f.notifier.snapshot())
}

func TestGateway_phoneMismatchKeepsSessionPending(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "T", "251911234567")
	f.process(textUpdate(555, "/start T"))

	f.process(contactUpdate(555, 555, 555, "+251900000000"))

	assert.Equal(t, msgPhoneMismatch, f.sender.last(t).text)
	assert.Equal(t, model.StatusPending, f.session(t, "T").Status)
	assert.Empty(t, f.notifier.snapshot())

	f.process(contactUpdate(555, 555, 555, "0911234567"))
	assert.Equal(t, msgVerified, f.sender.last(t).text)
}

func TestGateway_contactWithoutPendingSession(t *testing.T) {
	f := newFixture(t)
	f.process(contactUpdate(555, 555, 555, "251911234567"))
	assert.Equal(t, msgSessionExpired, f.sender.last(t).text)

	f.createSession(t, "T", "251911234567")
	f.process(textUpdate(555, "/start T"))
	f.now = f.now.Add(11 * time.Minute)
	f.process(contactUpdate(555, 555, 555, "251911234567"))
	assert.Equal(t, msgSessionExpired, f.sender.last(t).text)
	assert.Equal(t, model.StatusExpired, f.session(t, "T").Status)
}

func TestGateway_otherMessagesGetUsageHint(t *testing.T) {
	f := newFixture(t)
	f.process(textUpdate(1, "hello"))
	assert.Equal(t, msgUsage, f.sender.last(t).text)

	f.process(&models.Update{ID: 3})
	f.process(nil)
	assert.Len(t, f.sender.sent, 1)
}

func TestGateway_successPhoto(t *testing.T) {
	f := newFixture(t, WithSuccessPhoto("https://cdn.example/ok.png"))
	f.createSession(t, "T", "251911234567")
	f.process(textUpdate(555, "/start T"))
	f.process(contactUpdate(555, 555, 555, "251911234567"))

	last := f.sender.last(t)
	assert.Equal(t, "https://cdn.example/ok.png", last.photo)
	assert.Equal(t, msgVerified, last.text)
}

func TestGateway_successPhotoFallsBackToText(t *testing.T) {
	f := newFixture(t, WithSuccessPhoto("https://cdn.example/ok.png"))
	f.sender.photoErr = errors.New("bad request: wrong file identifier")
	f.createSession(t, "T", "251911234567")
	f.process(textUpdate(555, "/start T"))
	f.process(contactUpdate(555, 555, 555, "251911234567"))

	last := f.sender.last(t)
	assert.Empty(t, last.photo)
	assert.Equal(t, msgVerified, last.text)
}

func TestGateway_concurrentContactsVerifyOnce(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "T", "251911234567")
	f.process(textUpdate(555, "/start T"))

	const workers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			f.process(contactUpdate(555, 555, 555, "251911234567"))
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, f.notifier.snapshot(), 1, "webhook fires exactly once")
	assert.Equal(t, 1, f.sender.count(msgVerified))
	assert.Equal(t, model.StatusVerified, f.session(t, "T").Status)
}

func TestParseStart(t *testing.T) {
	cases := []struct {
		text    string
		payload string
		ok      bool
	}{
		{"/start", "", true},
		{"/start abc", "abc", true},
		{"  /start   abc  ", "abc", true},
		{"/START abc", "abc", true},
		{"/start@phone_verify_bot abc", "abc", true},
		{"/started abc", "", false},
		{"start abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		payload, ok := parseStart(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		assert.Equal(t, tc.payload, payload, tc.text)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	handler := RecoverMiddleware(zerolog.Nop())(func(context.Context, *tgbot.Bot, *models.Update) {
		panic("boom")
	})
	assert.NotPanics(t, func() {
		handler(context.Background(), nil, &models.Update{ID: 7})
	})
}

func TestLoggingMiddlewareCallsNext(t *testing.T) {
	called := false
	handler := LoggingMiddleware(zerolog.Nop())(func(context.Context, *tgbot.Bot, *models.Update) {
		called = true
	})
	handler(context.Background(), nil, textUpdate(1, "hi"))
	assert.True(t, called)
}

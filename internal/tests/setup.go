package tests

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/go-telegram/bot/models"
)

// ChatRecorder is a bot.Sender that keeps every reply instead of calling Telegram.
type ChatRecorder struct {
	mu      sync.Mutex
	replies map[int64][]string
}

// NewChatRecorder creates an empty recorder
func NewChatRecorder() *ChatRecorder {
	return &ChatRecorder{replies: make(map[int64][]string)}
}

func (c *ChatRecorder) SendText(_ context.Context, chatID int64, text string, _ models.ReplyMarkup) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[chatID] = append(c.replies[chatID], text)
	return nil
}

func (c *ChatRecorder) SendPhoto(ctx context.Context, chatID int64, _, caption string, markup models.ReplyMarkup) error {
	return c.SendText(ctx, chatID, caption, markup)
}

// Last returns the most recent reply sent to chatID, or "" if none.
func (c *ChatRecorder) Last(chatID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.replies[chatID]
	if len(r) == 0 {
		return ""
	}
	return r[len(r)-1]
}

// Count returns how many replies chatID received.
func (c *ChatRecorder) Count(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies[chatID])
}

// TruncateSessions empties the sessions table for a clean test state.
func TruncateSessions(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE TABLE verification_sessions")
	if err != nil {
		return fmt.Errorf("truncate sessions: %w", err)
	}
	return nil
}

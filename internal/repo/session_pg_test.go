package repo

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tgverify/server/internal/db"
)

// TestSessionRepo_postgres runs the shared suite against a real database.
func TestSessionRepo_postgres(t *testing.T) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping PostgreSQL session repo test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database))

	runSessionRepoSuite(t, func(t *testing.T, clock *fakeClock) SessionRepo {
		_, err := database.ExecContext(ctx, "TRUNCATE TABLE verification_sessions")
		require.NoError(t, err)
		return NewPgSessionRepo(database, WithClock(clock.Now))
	})
}

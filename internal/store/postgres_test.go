package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL integration test")
	}
	return url
}

func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := getTestDatabaseURL(t)
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)

	// Clean up sessions table for test isolation
	_, err = s.pool.Exec(ctx, "DELETE FROM tracking_sessions")
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

func session(playerID string, ended time.Time) SessionRecord {
	return SessionRecord{
		PlayerID:         playerID,
		RoomCode:         "ABCD",
		Nickname:         "러너",
		Role:             "runner",
		StartedAt:        ended.Add(-10 * time.Minute),
		EndedAt:          ended,
		FinalProfile:     "battery_saver",
		AcceptedFixes:    120,
		ThrottledFixes:   7,
		StationaryMillis: 45000,
		BatteryLevel:     63.5,
	}
}

func TestPostgresStore_SaveAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveSession(ctx, session("p1", base)))
	require.NoError(t, s.SaveSession(ctx, session("p1", base.Add(time.Hour))))
	require.NoError(t, s.SaveSession(ctx, session("p2", base)))

	recs, err := s.ListSessions(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.True(t, recs[0].EndedAt.After(recs[1].EndedAt), "newest first")
	assert.NotEmpty(t, recs[0].ID)
	assert.Equal(t, "러너", recs[0].Nickname)
	assert.Equal(t, "battery_saver", recs[0].FinalProfile)
	assert.Equal(t, int64(120), recs[0].AcceptedFixes)
	assert.Equal(t, int64(45000), recs[0].StationaryMillis)
	assert.InDelta(t, 63.5, recs[0].BatteryLevel, 1e-9)
}

func TestPostgresStore_ListLimit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveSession(ctx, session("p1", base.Add(time.Duration(i)*time.Minute))))
	}

	recs, err := s.ListSessions(ctx, "p1", 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestPostgresStore_ListUnknownPlayer(t *testing.T) {
	s := setupTestStore(t)

	recs, err := s.ListSessions(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPostgresStore_DuplicateID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	rec := session("p1", time.Now())
	rec.ID = "fixed-id"
	require.NoError(t, s.SaveSession(ctx, rec))
	assert.Error(t, s.SaveSession(ctx, rec))
}

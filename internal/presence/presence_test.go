package presence

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ugaemi/tag-server/internal/geo"
)

func entry(room, player string, lat float64) Entry {
	return Entry{
		RoomCode:  room,
		PlayerID:  player,
		Nickname:  "nick-" + player,
		Role:      "runner",
		Location:  geo.Point{Lat: lat, Lng: 127.0},
		Accuracy:  8,
		UpdatedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

// registryContract runs the behavior every Registry must have.
func registryContract(t *testing.T, reg Registry, room string) {
	ctx := context.Background()

	_, err := reg.Get(ctx, room, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err := reg.Snapshot(ctx, room)
	require.NoError(t, err)
	assert.Empty(t, snap)

	require.NoError(t, reg.Put(ctx, entry(room, "p2", 37.1)))
	require.NoError(t, reg.Put(ctx, entry(room, "p1", 37.2)))
	require.NoError(t, reg.Put(ctx, entry(room+"X", "p3", 37.3)))

	got, err := reg.Get(ctx, room, "p1")
	require.NoError(t, err)
	assert.Equal(t, 37.2, got.Location.Lat)
	assert.Equal(t, "nick-p1", got.Nickname)
	assert.True(t, got.UpdatedAt.Equal(entry(room, "p1", 0).UpdatedAt))

	// overwrite keeps a single entry
	require.NoError(t, reg.Put(ctx, entry(room, "p1", 37.5)))

	snap, err = reg.Snapshot(ctx, room)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "p1", snap[0].PlayerID)
	assert.Equal(t, 37.5, snap[0].Location.Lat)
	assert.Equal(t, "p2", snap[1].PlayerID)

	require.NoError(t, reg.Remove(ctx, room, "p1"))
	require.NoError(t, reg.Remove(ctx, room, "p1"))
	_, err = reg.Get(ctx, room, "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	snap, err = reg.Snapshot(ctx, room)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "p2", snap[0].PlayerID)
}

func TestMemory(t *testing.T) {
	registryContract(t, NewMemory(), "ABCD")
}

func TestMemory_RemoveUnknownRoom(t *testing.T) {
	m := NewMemory()
	assert.NoError(t, m.Remove(context.Background(), "NONE", "p1"))
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func TestRedis(t *testing.T) {
	client := setupRedis(t)
	room := fmt.Sprintf("T%d", time.Now().UnixNano())

	registryContract(t, NewRedis(client, time.Minute), room)
}

func TestRedis_ExpiredEntriesArePruned(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	room := fmt.Sprintf("E%d", time.Now().UnixNano())
	reg := NewRedis(client, time.Minute)

	require.NoError(t, reg.Put(ctx, entry(room, "p1", 37.1)))
	require.NoError(t, reg.Put(ctx, entry(room, "p2", 37.2)))
	require.NoError(t, client.Del(ctx, playerKey(room, "p1")).Err())

	snap, err := reg.Snapshot(ctx, room)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "p2", snap[0].PlayerID)

	members, err := client.SMembers(ctx, membersKey(room)).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, members)
}

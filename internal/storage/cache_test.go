package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"message-relay/internal/model"
)

func newCached(t *testing.T) (*CachedStore, *SQLiteStore, *miniredis.Miniredis) {
	t.Helper()
	backend := newSQLite(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCachedStoreWithClient(backend, client, zerolog.Nop()), backend, mr
}

func TestCachedLatestEmpty(t *testing.T) {
	c, _, _ := newCached(t)

	m, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestCachedLatestServesAppended(t *testing.T) {
	c, _, _ := newCached(t)
	ctx := context.Background()

	for _, text := range []string{"A", "B", "C"} {
		_, err := c.Append(ctx, text)
		require.NoError(t, err)
	}

	m, err := c.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "C", m.Text)

	cached, err := c.get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, m.ID, cached.ID)
}

func TestCachedLatestRanksByCreatedAtBeforeID(t *testing.T) {
	c, backend, _ := newCached(t)
	ctx := context.Background()

	// a lower id with a later timestamp, as written by a host whose clock runs ahead
	_, err := backend.db.ExecContext(ctx, `INSERT INTO messages (text, created_at) VALUES (?, ?)`,
		"ahead", time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	m, err := c.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, "ahead", m.Text)
	require.False(t, c.stale.Load())

	_, err = c.Append(ctx, "now")
	require.NoError(t, err)

	fromStore, err := backend.Latest(ctx)
	require.NoError(t, err)
	fromCache, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ahead", fromStore.Text)
	assert.Equal(t, fromStore.ID, fromCache.ID)
}

func TestCachedLatestTieBreaksOnID(t *testing.T) {
	c, _, _ := newCached(t)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.put(ctx, &model.Message{ID: 10, Text: "ten", CreatedAt: at}))
	require.NoError(t, c.put(ctx, &model.Message{ID: 9, Text: "nine", CreatedAt: at}))

	m, err := c.get(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, int64(10), m.ID)
}

func TestCachedFailedWriteMarksStale(t *testing.T) {
	c, _, mr := newCached(t)
	ctx := context.Background()

	_, err := c.Append(ctx, "A")
	require.NoError(t, err)
	m, err := c.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, "A", m.Text)
	assert.False(t, c.stale.Load())

	mr.SetError("LOADING redis is loading the dataset in memory")
	_, err = c.Append(ctx, "B")
	require.NoError(t, err, "a cache failure must not fail the append")
	assert.True(t, c.stale.Load())

	// the cache still holds A; a stale cache is bypassed and refilled
	mr.SetError("")
	m, err = c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", m.Text)
	assert.False(t, c.stale.Load())

	cached, err := c.get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", cached.Text)
}

func TestCachedFallsBackWhenRedisIsDown(t *testing.T) {
	c, _, mr := newCached(t)
	ctx := context.Background()

	_, err := c.Append(ctx, "A")
	require.NoError(t, err)
	_, err = c.Latest(ctx)
	require.NoError(t, err)

	mr.Close()

	m, err := c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", m.Text)

	_, err = c.Append(ctx, "B")
	require.NoError(t, err)
	m, err = c.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", m.Text)

	var storeErr *StoreError
	require.ErrorAs(t, c.Ping(ctx), &storeErr)
	assert.Equal(t, "ping", storeErr.Op)
}

// closeFailing reports a failure when closed.
type closeFailing struct {
	*SQLiteStore
}

var errBackendClose = errors.New("backend close failed")

func (closeFailing) Close() error {
	return errBackendClose
}

func TestCachedCloseJoinsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Close())

	c := NewCachedStoreWithClient(closeFailing{newSQLite(t)}, client, zerolog.Nop())

	err := c.Close()
	assert.ErrorIs(t, err, redis.ErrClosed)
	assert.ErrorIs(t, err, errBackendClose)
}

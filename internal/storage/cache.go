// internal/storage/cache.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"message-relay/internal/model"
)

const latestKey = "relay:messages:latest"

// CachedStore serves Latest from Redis. The newest record lives in a sorted
// set trimmed to one member and ranked the way the store ranks Latest: the
// score is created_at in microseconds and members carry the zero-padded id,
// so equal scores fall back to the greater id. Racing writers can never leave
// an older record on top. The wrapped backend stays the source of truth: any
// Redis failure falls through to it.
type CachedStore struct {
	Backend
	client *redis.Client
	logger zerolog.Logger

	// set after a failed cache write until a refill succeeds
	stale atomic.Bool
}

func NewCachedStore(ctx context.Context, backend Backend, redisURL string, logger zerolog.Logger) (*CachedStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewCachedStoreWithClient(backend, client, logger), nil
}

func NewCachedStoreWithClient(backend Backend, client *redis.Client, logger zerolog.Logger) *CachedStore {
	c := &CachedStore{
		Backend: backend,
		client:  client,
		logger:  logger.With().Str("component", "latest-cache").Logger(),
	}
	// nothing is known about what an existing key holds
	c.stale.Store(true)
	return c
}

func (c *CachedStore) Append(ctx context.Context, text string) (int64, error) {
	m, err := c.AppendMessage(ctx, text)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (c *CachedStore) AppendMessage(ctx context.Context, text string) (*model.Message, error) {
	m, err := c.Backend.AppendMessage(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.put(ctx, m); err != nil {
		c.stale.Store(true)
		c.logger.Warn().Err(err).Int64("id", m.ID).Msg("failed to cache appended message")
	}
	return m, nil
}

func (c *CachedStore) Latest(ctx context.Context) (*model.Message, error) {
	if !c.stale.Load() {
		m, err := c.get(ctx)
		if err == nil && m != nil {
			return m, nil
		}
		if err != nil {
			c.logger.Debug().Err(err).Msg("cache read failed, using store")
		}
	}

	m, err := c.Backend.Latest(ctx)
	if err != nil || m == nil {
		return m, err
	}
	if err := c.put(ctx, m); err == nil {
		c.stale.Store(false)
	}
	return m, nil
}

func (c *CachedStore) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return c.Backend.Ping(ctx)
}

func (c *CachedStore) Close() error {
	return errors.Join(c.client.Close(), c.Backend.Close())
}

func (c *CachedStore) put(ctx context.Context, m *model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, latestKey, redis.Z{
		Score:  float64(m.CreatedAt.UnixMicro()),
		Member: fmt.Sprintf("%019d:%s", m.ID, data),
	})
	pipe.ZRemRangeByRank(ctx, latestKey, 0, -2)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *CachedStore) get(ctx context.Context) (*model.Message, error) {
	vals, err := c.client.ZRevRange(ctx, latestKey, 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	_, data, ok := strings.Cut(vals[0], ":")
	if !ok {
		return nil, fmt.Errorf("malformed cache member %q", vals[0])
	}
	var m model.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

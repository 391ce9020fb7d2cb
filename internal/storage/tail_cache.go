package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatguard/internal/models"
	"chatguard/internal/redis"

	"go.uber.org/zap"
)

// UpdatesChannel is the redis pub/sub channel carrying channel names whose
// window changed.
const UpdatesChannel = "chat:updates"

const defaultTailTTL = 30 * time.Second

// TailCache keeps recent channel windows in redis. A nil *TailCache is a
// valid, disabled cache.
//
// Windows are stored under the channel's current version; Invalidate bumps
// the version so a reader that queried the database before a write can
// never publish its stale window under the new version.
type TailCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewTailCache returns a cache backed by client.
func NewTailCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *TailCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultTailTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TailCache{client: client, ttl: ttl, logger: logger}
}

func tailKey(channel string) string {
	return "chat:tail:" + channel
}

func versionKey(channel string) string {
	return "chat:tail:version:" + channel
}

func (c *TailCache) version(ctx context.Context, channel string) (string, error) {
	v, err := c.client.Get(ctx, versionKey(channel))
	if errors.Is(err, redis.ErrCacheMiss) {
		return "0", nil
	}
	return v, err
}

// Load returns a cached window for channel and limit. The returned token
// must be passed to Store when the caller fills the cache after a miss.
func (c *TailCache) Load(ctx context.Context, channel string, limit int) ([]*models.Message, string, bool) {
	if c == nil {
		return nil, "", false
	}
	version, err := c.version(ctx, channel)
	if err != nil {
		c.logger.Warn("tail cache version failed", zap.String("channel", channel), zap.Error(err))
		return nil, "", false
	}
	raw, err := c.client.HGet(ctx, tailKey(channel), fmt.Sprintf("%s:%d", version, limit))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			c.logger.Warn("tail cache load failed", zap.String("channel", channel), zap.Error(err))
		}
		return nil, version, false
	}
	var messages []*models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		c.logger.Warn("tail cache decode failed", zap.String("channel", channel), zap.Error(err))
		return nil, version, false
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	return messages, version, true
}

// Store caches a window for channel and limit under the version token
// obtained from Load.
func (c *TailCache) Store(ctx context.Context, channel string, limit int, version string, messages []*models.Message) {
	if c == nil || version == "" {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		c.logger.Warn("tail cache marshal failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	field := fmt.Sprintf("%s:%d", version, limit)
	if err := c.client.HSetTTL(ctx, tailKey(channel), field, data, c.ttl); err != nil {
		c.logger.Warn("tail cache store failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Invalidate drops every cached window of channel and announces the change.
func (c *TailCache) Invalidate(ctx context.Context, channel string) {
	if c == nil {
		return
	}
	if _, err := c.client.Incr(ctx, versionKey(channel)); err != nil {
		c.logger.Warn("tail cache version bump failed", zap.String("channel", channel), zap.Error(err))
	}
	if err := c.client.Del(ctx, tailKey(channel)); err != nil {
		c.logger.Warn("tail cache invalidate failed", zap.String("channel", channel), zap.Error(err))
	}
	if err := c.client.Publish(ctx, UpdatesChannel, channel); err != nil {
		c.logger.Warn("tail cache publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Updates returns a signal channel that fires whenever channel changes on
// any node. It closes when ctx is done.
func (c *TailCache) Updates(ctx context.Context, channel string) (<-chan struct{}, error) {
	if c == nil {
		return nil, nil
	}
	payloads, err := c.client.Subscribe(ctx, UpdatesChannel)
	if err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for name := range payloads {
			if name != channel {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

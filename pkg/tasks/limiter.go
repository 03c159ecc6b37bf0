// Package tasks bounds concurrent event execution per task channel. Each
// channel carries two counters, pending and running; admission fails fast
// when the pending backlog is full and otherwise waits for a running slot.
// Counters live in Redis so the bound holds across replicas, with an
// in-process fallback for single-node deployments.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"weft/pkg/runtime"
)

// ErrChannelBusy means the channel's pending backlog is at capacity; the
// caller should surface a 429.
var ErrChannelBusy = errors.New("tasks: channel at capacity")

const (
	pollInterval = 50 * time.Millisecond
	// counterTTL guards against leaked slots after a crashed replica.
	counterTTL = 10 * time.Minute
)

// Limiter admits work on a named channel. The returned release function must
// be called exactly once when the work finishes.
type Limiter interface {
	Acquire(ctx context.Context, channel string, cfg runtime.TaskConfig) (func(), error)
}

// NewLimiter picks the Redis-backed limiter when a client is configured.
func NewLimiter(rdb *redis.Client, log *zap.SugaredLogger) Limiter {
	if rdb != nil {
		return &redisLimiter{rdb: rdb, log: log}
	}
	return &memoryLimiter{channels: map[string]*memChannel{}}
}

type redisLimiter struct {
	rdb *redis.Client
	log *zap.SugaredLogger
}

func pendingKey(channel string) string { return "weft:task:" + channel + ":pending" }
func runningKey(channel string) string { return "weft:task:" + channel + ":running" }

func (l *redisLimiter) Acquire(ctx context.Context, channel string, cfg runtime.TaskConfig) (func(), error) {
	pending, err := l.incr(ctx, pendingKey(channel))
	if err != nil {
		return nil, err
	}
	if cfg.MaxPending > 0 && pending > int64(cfg.MaxPending) {
		l.decr(channel, pendingKey(channel))
		return nil, ErrChannelBusy
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		running, err := l.incr(ctx, runningKey(channel))
		if err != nil {
			l.decr(channel, pendingKey(channel))
			return nil, err
		}
		if cfg.MaxRunning <= 0 || running <= int64(cfg.MaxRunning) {
			l.decr(channel, pendingKey(channel))
			release := func() { l.decr(channel, runningKey(channel)) }
			return release, nil
		}
		l.decr(channel, runningKey(channel))

		select {
		case <-ctx.Done():
			l.decr(channel, pendingKey(channel))
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *redisLimiter) incr(ctx context.Context, key string) (int64, error) {
	pipe := l.rdb.TxPipeline()
	n := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return n.Val(), nil
}

func (l *redisLimiter) decr(channel, key string) {
	// Release uses a fresh context so slots are returned even when the
	// request context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.rdb.Decr(ctx, key).Err(); err != nil {
		l.log.Warnw("task slot release failed", "channel", channel, "err", err)
	}
}

type memChannel struct {
	pending int
	running int
}

type memoryLimiter struct {
	mu       sync.Mutex
	channels map[string]*memChannel
}

func (l *memoryLimiter) Acquire(ctx context.Context, channel string, cfg runtime.TaskConfig) (func(), error) {
	l.mu.Lock()
	ch, ok := l.channels[channel]
	if !ok {
		ch = &memChannel{}
		l.channels[channel] = ch
	}
	if cfg.MaxPending > 0 && ch.pending >= cfg.MaxPending {
		l.mu.Unlock()
		return nil, ErrChannelBusy
	}
	ch.pending++
	l.mu.Unlock()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		l.mu.Lock()
		if cfg.MaxRunning <= 0 || ch.running < cfg.MaxRunning {
			ch.pending--
			ch.running++
			l.mu.Unlock()
			release := func() {
				l.mu.Lock()
				ch.running--
				l.mu.Unlock()
			}
			return release, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.mu.Lock()
			ch.pending--
			l.mu.Unlock()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

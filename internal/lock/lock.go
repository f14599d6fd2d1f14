// Package lock provides the gate that keeps sync passes mutually exclusive.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Gate admits one holder at a time. TryAcquire never waits: ok is false when
// another holder is inside.
type Gate interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// SyncKey builds the redis key guarding a terminal's sync pass.
func SyncKey(terminalID string) string {
	return fmt.Sprintf("pos:sync:%s:lock", terminalID)
}

// LocalGate is an in-process gate.
type LocalGate struct {
	sem chan struct{}
}

// NewLocalGate returns an open LocalGate.
func NewLocalGate() *LocalGate {
	return &LocalGate{sem: make(chan struct{}, 1)}
}

// TryAcquire implements Gate.
func (g *LocalGate) TryAcquire(ctx context.Context) (func(), bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	select {
	case g.sem <- struct{}{}:
		return func() { <-g.sem }, true, nil
	default:
		return nil, false, nil
	}
}

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was taken over stays with its new holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisGate is a lease in redis shared by every process of a terminal. The
// holder renews the lease every ttl/3 until it releases, so a pass longer
// than ttl keeps it. Holders in the same process are also excluded locally.
type RedisGate struct {
	client     *redis.Client
	key        string
	ttl        time.Duration
	renewEvery time.Duration
	local      *LocalGate
	logger     *slog.Logger
}

// NewRedisGate builds a gate on key with the given lease ttl.
func NewRedisGate(client *redis.Client, key string, ttl time.Duration, logger *slog.Logger) *RedisGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGate{
		client:     client,
		key:        key,
		ttl:        ttl,
		renewEvery: ttl / 3,
		local:      NewLocalGate(),
		logger:     logger,
	}
}

// TryAcquire implements Gate.
func (g *RedisGate) TryAcquire(ctx context.Context) (func(), bool, error) {
	unlock, ok, err := g.local.TryAcquire(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	token := uuid.NewString()
	ok, err = g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		unlock()
		return nil, false, fmt.Errorf("lock: acquire %s: %w", g.key, err)
	}
	if !ok {
		unlock()
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.renew(token, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's context may already be done when the pass ends.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, g.client, []string{g.key}, token).Err()
			unlock()
		})
	}
	return release, true, nil
}

// renew keeps the lease alive until stop closes or the lease is lost.
func (g *RedisGate) renew(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if g.renewEvery <= 0 {
		<-stop
		return
	}
	t := time.NewTicker(g.renewEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.renewEvery)
			n, err := renewScript.Run(ctx, g.client, []string{g.key}, token, g.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				g.logger.Warn("lock: renew lease", slog.String("key", g.key), slog.Any("error", err))
				continue
			}
			if n == 0 {
				g.logger.Warn("lock: lease lost", slog.String("key", g.key))
				return
			}
		}
	}
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld is returned when another owner holds the lock.
	ErrLockHeld = errors.New("lock is held by another run")
	// ErrLockNotHeld is returned when releasing a lock this owner no longer holds.
	ErrLockNotHeld = errors.New("lock is not held")
)

// Both scripts only touch the key while it still carries our token.
var (
	extendScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = rueidis.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Lock is a single-owner lock stored in one redis key. While held it is extended
// every ttl/2; Lost is closed once an extension finds the key gone or taken over.
type Lock struct {
	client rueidis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	token    string
	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	lostOnce *sync.Once
}

// NewLock creates a lock on key with the given lifetime.
func NewLock(client rueidis.Client, key string, ttl time.Duration, logger *zap.Logger) *Lock {
	return &Lock{
		client:   client,
		key:      key,
		ttl:      ttl,
		logger:   logger.Named("lock").With(zap.String("key", key)),
		lost:     make(chan struct{}),
		lostOnce: &sync.Once{},
	}
}

// Acquire takes the lock or returns ErrLockHeld.
func (l *Lock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return ErrLockHeld
	}

	token := uuid.NewString()

	err := l.client.Do(ctx, l.client.B().Set().
		Key(l.key).
		Value(token).
		Nx().
		PxMilliseconds(l.ttl.Milliseconds()).
		Build()).Error()
	if rueidis.IsRedisNil(err) {
		return ErrLockHeld
	}

	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}

	l.token = token
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.lost = make(chan struct{})
	l.lostOnce = &sync.Once{}

	go l.extendLoop(token, l.stop, l.done, l.lost, l.lostOnce)

	l.logger.Debug("Acquired lock", zap.Duration("ttl", l.ttl))

	return nil
}

// Release stops the extension loop and deletes the key if it is still ours.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return ErrLockNotHeld
	}

	close(l.stop)
	<-l.done

	token := l.token
	l.token = ""

	deleted, err := releaseScript.Exec(ctx, l.client, []string{l.key}, []string{token}).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}

	if deleted == 0 {
		return ErrLockNotHeld
	}

	l.logger.Debug("Released lock")

	return nil
}

// Lost returns a channel closed when the held lock can no longer be extended.
func (l *Lock) Lost() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lost
}

// extendLoop refreshes the key at half its lifetime until stopped or lost.
func (l *Lock) extendLoop(token string, stop <-chan struct{}, done chan<- struct{}, lost chan struct{}, once *sync.Once) {
	defer close(done)

	interval := max(l.ttl/2, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastExtended := time.Now()
	markLost := func(reason string) {
		once.Do(func() {
			l.logger.Warn("Lost lock", zap.String("reason", reason))
			close(lost)
		})
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		extended, err := extendScript.Exec(ctx, l.client,
			[]string{l.key}, []string{token, fmt.Sprint(l.ttl.Milliseconds())}).AsInt64()
		cancel()

		switch {
		case err != nil:
			l.logger.Warn("Failed to extend lock", zap.Error(err))

			if time.Since(lastExtended) >= l.ttl {
				markLost("expired while redis was unreachable")
				return
			}
		case extended == 0:
			markLost("key expired or taken over")
			return
		default:
			lastExtended = time.Now()
		}
	}
}

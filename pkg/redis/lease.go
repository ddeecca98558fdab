package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseNotHeld is returned when releasing or extending a lease owned by someone else
var ErrLeaseNotHeld = errors.New("lease not held")

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Lease is a single-owner lease on one key. The owner token lives under a TTL that a heartbeat
// extends at a third of the TTL until Release.
type Lease struct {
	client *Client
	key    string
	ttl    time.Duration

	mu     sync.Mutex
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLease creates a lease on key
func NewLease(client *Client, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// TryAcquire takes the lease if nobody holds it and starts the heartbeat.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return false, nil
	}

	start := time.Now()
	token := uuid.New().String()
	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	observe("lease_acquire", start)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	l.client.logger.WithContext(ctx).Debugf("Acquired lease: %s", l.key)

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.token = token
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.heartbeat(hbCtx, token, l.done)
	return true, nil
}

// Release stops the heartbeat and deletes the key if this process still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	token, cancel, done := l.token, l.cancel, l.done
	l.token, l.cancel, l.done = "", nil, nil
	l.mu.Unlock()

	if token == "" {
		return nil
	}
	cancel()
	<-done

	start := time.Now()
	result, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, token).Int64()
	observe("lease_release", start)
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLeaseNotHeld
	}

	l.client.logger.WithContext(ctx).Debugf("Released lease: %s", l.key)
	return nil
}

func (l *Lease) extend(ctx context.Context, token string) error {
	start := time.Now()
	result, err := extendScript.Run(ctx, l.client.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	observe("lease_extend", start)
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (l *Lease) heartbeat(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(ctx, token); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				l.client.logger.WithContext(ctx).WithError(err).Warnf("Failed to extend lease %s", l.key)
				if errors.Is(err, ErrLeaseNotHeld) {
					return
				}
			}
		}
	}
}

// Package distributed coordinates agents that share a Redis instance.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrLeaseHeld = errors.New("lease is held by another agent")
	ErrLeaseLost = errors.New("lease was lost")
)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lease is an expiring ownership claim on one key, renewed in the
// background at half its ttl. Lost is closed if a renewal finds the key
// owned by someone else or gone.
type Lease struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
	logger *zap.SugaredLogger

	once sync.Once
	stop chan struct{}
	done chan struct{}
	lost chan struct{}
}

// LeaseManager hands out leases under a key prefix.
type LeaseManager struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

func NewLeaseManager(client *redis.Client, prefix string, logger *zap.SugaredLogger) *LeaseManager {
	return &LeaseManager{client: client, prefix: prefix, logger: logger}
}

// CallKey is the lease key of one call.
func (m *LeaseManager) CallKey(callType, callID string) string {
	return fmt.Sprintf("%scall:%s:%s", m.prefix, callType, callID)
}

// TryAcquire claims key for ttl. It returns ErrLeaseHeld when another
// holder owns it.
func (m *LeaseManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	holder := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	l := &Lease{
		client: m.client,
		key:    key,
		holder: holder,
		ttl:    ttl,
		logger: m.logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go l.renewLoop()
	m.logger.Infow("lease acquired", "key", key, "holder", holder, "ttl", ttl)
	return l, nil
}

func (l *Lease) Key() string    { return l.key }
func (l *Lease) Holder() string { return l.holder }

func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

func (l *Lease) renewLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				l.logger.Warnw("failed to renew lease", "key", l.key, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Errorw("lease lost", "key", l.key, "holder", l.holder)
				close(l.lost)
				return
			}
		}
	}
}

// Release stops renewal and deletes the key if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		var n int64
		n, err = releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Int64()
		if err != nil {
			err = fmt.Errorf("failed to release lease: %w", err)
			return
		}
		if n == 0 {
			err = ErrLeaseLost
			return
		}
		l.logger.Infow("lease released", "key", l.key)
	})
	return err
}

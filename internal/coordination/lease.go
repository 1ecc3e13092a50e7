// Package coordination holds the Redis lease that keeps a single writer
// in front of the event log.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LeaderKey is the lease key shared by all replicas.
const LeaderKey = "diceledger:leader"

var (
	ErrLeaseHeld = errors.New("coordination: lease held by another instance")
	ErrLeaseLost = errors.New("coordination: lease lost")
)

// renewLua extends the TTL only if the caller still owns the key.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// releaseLua deletes the key only if the caller still owns it.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// Lease is a TTL-bound exclusive claim on a Redis key. The value is a
// random token so only the holder can renew or release it.
type Lease struct {
	rdb       *redis.Client
	key       string
	token     string
	ttl       time.Duration
	renewSc   *redis.Script
	releaseSc *redis.Script
	held      atomic.Bool
	logger    zerolog.Logger
}

func NewLease(rdb *redis.Client, key string, ttl time.Duration, logger zerolog.Logger) *Lease {
	return &Lease{
		rdb:       rdb,
		key:       key,
		token:     uuid.New().String(),
		ttl:       ttl,
		renewSc:   redis.NewScript(renewLua),
		releaseSc: redis.NewScript(releaseLua),
		logger:    logger.With().Str("component", "leader-lease").Str("key", key).Logger(),
	}
}

// Token identifies this holder.
func (l *Lease) Token() string { return l.token }

// Held reports whether the lease was acquired and not since lost.
func (l *Lease) Held() bool { return l.held.Load() }

// Acquire tries once. It returns ErrLeaseHeld if another holder owns it.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	l.held.Store(true)
	l.logger.Info().Str("token", l.token).Msg("lease acquired")
	return nil
}

// AcquireWait retries every interval until the lease is acquired or ctx
// ends. Standby replicas block here.
func (l *Lease) AcquireWait(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		err := l.Acquire(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLeaseHeld) {
			l.logger.Warn().Err(err).Msg("lease acquire failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Renew extends the TTL. It returns ErrLeaseLost if the key expired or
// now belongs to someone else.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := l.renewSc.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		l.held.Store(false)
		return ErrLeaseLost
	}
	return nil
}

// Keep renews at a third of the TTL until ctx ends (nil) or the lease is
// lost (ErrLeaseLost). Transient Redis errors are retried until the TTL
// would have run out.
func (l *Lease) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := l.Renew(ctx)
			switch {
			case err == nil:
				lastRenewed = time.Now()
			case errors.Is(err, ErrLeaseLost):
				l.logger.Error().Msg("lease lost")
				return err
			case ctx.Err() != nil:
				return nil
			default:
				l.logger.Warn().Err(err).Msg("lease renew failed")
				if time.Since(lastRenewed) >= l.ttl {
					l.held.Store(false)
					return fmt.Errorf("%w: %v", ErrLeaseLost, err)
				}
			}
		}
	}
}

// Release gives the lease up if still owned. Safe to call more than once.
func (l *Lease) Release() {
	if !l.held.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.releaseSc.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		l.logger.Warn().Err(err).Msg("lease release failed")
		return
	}
	l.logger.Info().Msg("lease released")
}

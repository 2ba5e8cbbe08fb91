package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	failKeyPrefix  = "failed_login:"
	blockKeyPrefix = "blocked_user:"
)

// Config holds the throttle thresholds.
type Config struct {
	MaxAttempts int
	BlockWindow time.Duration
}

// LoginThrottle tracks failed authentication attempts per identity and
// enforces a temporary block once the threshold is reached. Keys are the
// login identity, not the client IP, so distributed credential stuffing
// cannot dodge it by rotating addresses.
type LoginThrottle struct {
	redis  redis.UniversalClient
	config Config
}

// NewLoginThrottle constructs a LoginThrottle.
func NewLoginThrottle(redisClient redis.UniversalClient, cfg Config) *LoginThrottle {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BlockWindow <= 0 {
		cfg.BlockWindow = 600 * time.Second
	}
	return &LoginThrottle{redis: redisClient, config: cfg}
}

// IsBlocked reports whether the identity is currently blocked.
func (t *LoginThrottle) IsBlocked(ctx context.Context, identity string) (bool, error) {
	exists, err := t.redis.Exists(ctx, blockKey(identity)).Result()
	if err != nil {
		return false, fmt.Errorf("throttle: check block: %w", err)
	}
	return exists > 0, nil
}

// RecordFailure increments the failure counter and returns the attempt count.
// The counter expires with the block window; reaching the threshold sets the
// block flag and clears the counter. INCR is atomic per key, so two
// concurrent failures cannot push the count past the threshold by more than
// one.
func (t *LoginThrottle) RecordFailure(ctx context.Context, identity string) (int64, error) {
	key := failKey(identity)
	attempts, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("throttle: incr attempts: %w", err)
	}
	if attempts == 1 {
		if err := t.redis.Expire(ctx, key, t.config.BlockWindow).Err(); err != nil {
			return attempts, fmt.Errorf("throttle: set expiry: %w", err)
		}
	}
	if attempts >= int64(t.config.MaxAttempts) {
		if err := t.redis.Set(ctx, blockKey(identity), "1", t.config.BlockWindow).Err(); err != nil {
			return attempts, fmt.Errorf("throttle: set block: %w", err)
		}
		if err := t.redis.Del(ctx, key).Err(); err != nil {
			return attempts, fmt.Errorf("throttle: clear counter: %w", err)
		}
	}
	return attempts, nil
}

// Reset clears the failure counter, called on successful authentication.
func (t *LoginThrottle) Reset(ctx context.Context, identity string) error {
	if err := t.redis.Del(ctx, failKey(identity)).Err(); err != nil {
		return fmt.Errorf("throttle: reset: %w", err)
	}
	return nil
}

// MaxAttempts reports the configured failure threshold.
func (t *LoginThrottle) MaxAttempts() int {
	return t.config.MaxAttempts
}

func failKey(identity string) string {
	return failKeyPrefix + identity
}

func blockKey(identity string) string {
	return blockKeyPrefix + identity
}

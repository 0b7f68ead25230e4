package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter keyed by
// user.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func userKey(userID int64) string {
	return fmt.Sprintf("ratelimit:user:%d", userID)
}

func (l *Limiter) Allow(ctx context.Context, userID int64, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, userKey(userID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, userID int64) (*extratelimit.Result, error) {
	return l.store.Status(ctx, userKey(userID))
}

// ModelLimiter enforces each model's upstream tokens-per-minute allowance,
// shared by every caller of the gateway. Stores are created per distinct
// limit since the window limit is fixed per store.
type ModelLimiter struct {
	mu       sync.Mutex
	stores   map[int]extratelimit.Limiter
	newStore func(limit int) extratelimit.Limiter
}

func NewModelLimiter(rdb *redis.Client) *ModelLimiter {
	return &ModelLimiter{
		stores: make(map[int]extratelimit.Limiter),
		newStore: func(limit int) extratelimit.Limiter {
			return extratelimit.NewRedisStore(rdb,
				extratelimit.WithLimit(limit),
				extratelimit.WithWindow(time.Minute),
			)
		},
	}
}

func NewTestModelLimiter(store extratelimit.Limiter) *ModelLimiter {
	return &ModelLimiter{
		stores:   make(map[int]extratelimit.Limiter),
		newStore: func(int) extratelimit.Limiter { return store },
	}
}

func (l *ModelLimiter) store(limit int) extratelimit.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[limit]
	if !ok {
		s = l.newStore(limit)
		l.stores[limit] = s
	}
	return s
}

// Allow reports whether tokens fit in model's window. A non-positive tpm
// means the model declares no limit.
func (l *ModelLimiter) Allow(ctx context.Context, model string, tpm, tokens int) (bool, error) {
	if tpm <= 0 {
		return true, nil
	}
	res, err := l.store(tpm).AllowN(ctx, fmt.Sprintf("ratelimit:model:%s", model), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

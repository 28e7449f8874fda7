// Package ratelimit throttles abuse-prone operations: invitations,
// reminders, OTP attempts, and signing attempts.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Archline-Labs/sigil/pkg/fault"
)

// Action identifies a throttled operation class.
type Action string

const (
	ActionInvite      Action = "invite"
	ActionReminder    Action = "reminder"
	ActionOTPAttempt  Action = "otp_attempt"
	ActionSignAttempt Action = "sign_attempt"
)

// Limit defines the budget for one action class.
type Limit struct {
	RPM   int // sustained requests per minute
	Burst int // instantaneous burst allowance
}

// DefaultLimits is the built-in budget per action. Overridable via config.
var DefaultLimits = map[Action]Limit{
	ActionInvite:      {RPM: 10, Burst: 5},
	ActionReminder:    {RPM: 2, Burst: 2},
	ActionOTPAttempt:  {RPM: 5, Burst: 3},
	ActionSignAttempt: {RPM: 10, Burst: 5},
}

// Store abstracts the storage for rate limiting buckets.
type Store interface {
	// Allow checks if the actor may perform an action costing 'cost' tokens.
	Allow(ctx context.Context, key string, limit Limit, cost int) (bool, error)
}

// Limiter checks actions against per-action limits using a pluggable store.
type Limiter struct {
	store  Store
	limits map[Action]Limit
}

// NewLimiter builds a limiter; nil limits uses DefaultLimits.
func NewLimiter(store Store, limits map[Action]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Limiter{store: store, limits: limits}
}

// Check consumes one token for (action, actorID). A missing store fails
// closed.
func (l *Limiter) Check(ctx context.Context, action Action, actorID string) error {
	if l == nil || l.store == nil {
		return fault.New(fault.KindRateLimited, "rate limiter not configured")
	}

	limit, ok := l.limits[action]
	if !ok {
		limit = Limit{RPM: 60, Burst: 10}
	}

	key := fmt.Sprintf("%s:%s", action, actorID)
	allowed, err := l.store.Allow(ctx, key, limit, 1)
	if err != nil {
		return fmt.Errorf("ratelimit: check %s: %w", key, err)
	}
	if !allowed {
		return fault.RateLimited("%s", action)
	}
	return nil
}

// MemoryStore is a single-process store built on token-bucket limiters.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryStore) Allow(ctx context.Context, key string, limit Limit, cost int) (bool, error) {
	s.mu.Lock()
	lim, exists := s.buckets[key]
	if !exists {
		perSec := rate.Limit(float64(limit.RPM) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		lim = rate.NewLimiter(perSec, limit.Burst)
		s.buckets[key] = lim
	}
	s.mu.Unlock()

	return lim.AllowN(time.Now(), cost), nil
}

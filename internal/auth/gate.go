// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/time/rate"
)

var (
	ErrNoSecret         = errors.New("no secret keyword configured")
	ErrInvalidSecret    = errors.New("invalid secret keyword")
	ErrTooManyAttempts  = errors.New("too many authorization attempts")
	ErrStoreUnavailable = errors.New("authorization store unavailable")
)

// DefaultAttemptsPerMinute bounds /auth attempts per participant.
const DefaultAttemptsPerMinute = 5

// Checker reads the persisted authorization flag.
type Checker interface {
	Authorized(ctx context.Context, participant int64) (bool, error)
}

// Gate decides whether a participant may use the backend.
type Gate struct {
	secret atomic.Pointer[string]
	store  Checker
	cache  *Cache
	logger *slog.Logger
	now    func() time.Time

	limitMu     sync.RWMutex
	attemptRate rate.Limit
	burst       int
	limiters    sync.Map // int64 -> *rate.Limiter
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateClock replaces the time source used for attempt limiting.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// WithAttemptsPerMinute sets the per-participant /auth attempt budget.
func WithAttemptsPerMinute(n int) GateOption {
	return func(g *Gate) { g.setRate(n) }
}

// NewGate creates a gate backed by store and cache.
func NewGate(secret string, store Checker, cache *Cache, opts ...GateOption) *Gate {
	g := &Gate{
		store:  store,
		cache:  cache,
		logger: slog.Default(),
		now:    time.Now,
	}
	g.SetSecret(secret)
	g.setRate(DefaultAttemptsPerMinute)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetSecret replaces the secret keyword. Safe to call while serving.
func (g *Gate) SetSecret(secret string) {
	s := normalize(secret)
	g.secret.Store(&s)
}

// SetAttemptsPerMinute replaces the attempt budget. Existing per-participant
// limiters are dropped so the new budget applies immediately.
func (g *Gate) SetAttemptsPerMinute(n int) {
	g.setRate(n)
	g.limiters.Range(func(k, _ any) bool {
		g.limiters.Delete(k)
		return true
	})
}

func (g *Gate) setRate(n int) {
	if n <= 0 {
		n = DefaultAttemptsPerMinute
	}
	g.limitMu.Lock()
	g.attemptRate = rate.Every(time.Minute / time.Duration(n))
	g.burst = n
	g.limitMu.Unlock()
}

func (g *Gate) limiter(participant int64) *rate.Limiter {
	if l, ok := g.limiters.Load(participant); ok {
		return l.(*rate.Limiter)
	}
	g.limitMu.RLock()
	l := rate.NewLimiter(g.attemptRate, g.burst)
	g.limitMu.RUnlock()
	actual, _ := g.limiters.LoadOrStore(participant, l)
	return actual.(*rate.Limiter)
}

// IsAuthorized consults the cache, then the store. A store failure is
// reported as ErrStoreUnavailable and is never cached.
func (g *Gate) IsAuthorized(ctx context.Context, participant int64) (bool, error) {
	if ok, hit := g.cache.Get(participant); hit {
		return ok, nil
	}
	ok, err := g.store.Authorized(ctx, participant)
	if err != nil {
		g.logger.Error("authorization lookup failed", "participant", participant, "error", err)
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	g.cache.Set(participant, ok)
	return ok, nil
}

// CheckSecret validates a candidate keyword in constant time.
func (g *Gate) CheckSecret(participant int64, candidate string) error {
	secret := *g.secret.Load()
	if secret == "" {
		return ErrNoSecret
	}
	if !g.limiter(participant).AllowN(g.now(), 1) {
		g.logger.Warn("authorization attempt rate exceeded", "participant", participant)
		return ErrTooManyAttempts
	}
	if subtle.ConstantTimeCompare([]byte(normalize(candidate)), []byte(secret)) != 1 {
		g.logger.Info("invalid secret keyword", "participant", participant)
		return ErrInvalidSecret
	}
	return nil
}

// Grant marks the participant authorized in the cache.
func (g *Gate) Grant(participant int64) {
	g.cache.Set(participant, true)
}

// Revoke drops the participant's cached decision.
func (g *Gate) Revoke(participant int64) {
	g.cache.Invalidate(participant)
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

package store

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig caps how many append operations one writer instance may
// perform per window. The writer fails fast with ErrRateLimited instead of
// queuing, so a runaway caller cannot starve other processes waiting on the
// file lock.
type RateLimitConfig struct {
	// Ops is the maximum number of appends per Window. Zero disables
	// rate limiting.
	Ops    int
	Window time.Duration
}

// DefaultRateLimitConfig allows 100 appends per minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Ops: 100, Window: time.Minute}
}

// RateLimitStatus is a point-in-time view of the writer's operation budget.
type RateLimitStatus struct {
	// Limit is the configured ceiling per window; zero means unlimited.
	Limit int
	// Window is the configured window duration.
	Window time.Duration
	// Remaining is the number of operations currently available.
	Remaining int
}

// rateGate wraps a token-bucket limiter sized to the configured window.
type rateGate struct {
	cfg     RateLimitConfig
	limiter *rate.Limiter
}

func newRateGate(cfg RateLimitConfig) *rateGate {
	g := &rateGate{cfg: cfg}
	if cfg.Ops > 0 && cfg.Window > 0 {
		g.limiter = rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.Ops)), cfg.Ops)
	}
	return g
}

// allow consumes one operation token, failing fast when the budget is
// exhausted.
func (g *rateGate) allow() error {
	if g.limiter == nil || g.limiter.Allow() {
		return nil
	}
	return fmt.Errorf("%w: over %d operations per %s", ErrRateLimited, g.cfg.Ops, g.cfg.Window)
}

// status reports the configured ceiling and the remaining budget.
func (g *rateGate) status() RateLimitStatus {
	s := RateLimitStatus{Limit: g.cfg.Ops, Window: g.cfg.Window}
	if g.limiter != nil {
		tokens := int(g.limiter.Tokens())
		if tokens < 0 {
			tokens = 0
		}
		s.Remaining = tokens
	}
	return s
}

// Package ratelimit gates how many pipeline calls a subject may make per
// window. Counters live in a Store so that several API instances share them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Store atomically increments the counter for key, starting a new window of
// the given length when none exists, and reports the count and time left.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

type Config struct {
	Enabled bool
	Quota   int
	Window  time.Duration
	Prefix  string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Quota < 1 {
		errs = append(errs, errors.New("rate limit quota must be at least 1"))
	}
	if c.Window < time.Second {
		errs = append(errs, errors.New("rate limit window must be at least one second"))
	}
	return errors.Join(errs...)
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type Limiter struct {
	cfg   Config
	store Store
	now   func() time.Time

	// OnDeny, if set, is called for every denied request.
	OnDeny func(subject string)
}

func New(cfg Config, store Store) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Enabled && store == nil {
		return nil, errors.New("rate limiter requires a store when enabled")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rag:rl:"
	}
	return &Limiter{cfg: cfg, store: store, now: time.Now}, nil
}

// Allow counts one request for subject. A disabled limiter or an unreachable
// store always allows.
func (l *Limiter) Allow(ctx context.Context, subject string) Decision {
	if l == nil || !l.cfg.Enabled {
		return Decision{Allowed: true, Limit: -1, Remaining: -1}
	}

	count, ttl, err := l.store.Increment(ctx, l.cfg.Prefix+subject, l.cfg.Window)
	if err != nil {
		slog.Warn("rate limit store unavailable, allowing request", "subject", subject, "error", err)
		return Decision{Allowed: true, Limit: l.cfg.Quota, Remaining: -1}
	}
	if ttl <= 0 {
		ttl = l.cfg.Window
	}

	d := Decision{
		Limit:   l.cfg.Quota,
		ResetAt: l.now().Add(ttl),
	}
	if count > int64(l.cfg.Quota) {
		d.RetryAfter = ttl
		if l.OnDeny != nil {
			l.OnDeny(subject)
		}
		return d
	}
	d.Allowed = true
	d.Remaining = l.cfg.Quota - int(count)
	return d
}

func (d Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("allowed (%d/%d remaining)", d.Remaining, d.Limit)
	}
	return fmt.Sprintf("denied (retry in %s)", d.RetryAfter)
}

// Package ratelimit gates outbound calls to externally billed services with a
// fixed-window counter plus a penalty block window, keyed by client identity.
// It knows nothing about what it gates.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const anonymousKey = "anonymous"

type Options struct {
	Points        int           // requests allowed per window
	Duration      time.Duration // window length
	BlockDuration time.Duration // penalty after the window is exhausted
}

func DefaultOptions() Options {
	return Options{
		Points:        10,
		Duration:      time.Second,
		BlockDuration: 60 * time.Second,
	}
}

func (o Options) valid() bool {
	return o.Points > 0 && o.Duration > 0 && o.BlockDuration > 0
}

type record struct {
	points        int
	windowResetAt time.Time
	blockedUntil  time.Time
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is safe for concurrent use; the check-and-decrement for a key is
// atomic under one mutex.
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record
	opts    Options
	logger  *log.Logger
	now     func() time.Time
}

func New(opts Options, logger *log.Logger) *Limiter {
	if !opts.valid() {
		opts = DefaultOptions()
	}
	return &Limiter{
		records: make(map[string]*record),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Consume takes one point for key. An empty key shares the anonymous bucket.
func (l *Limiter) Consume(key string) Decision {
	if key == "" {
		key = anonymousKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[key]

	if ok && rec.blockedUntil.After(now) {
		return Decision{RetryAfter: rec.blockedUntil.Sub(now)}
	}

	if !ok || !rec.windowResetAt.After(now) {
		l.records[key] = &record{
			points:        l.opts.Points - 1,
			windowResetAt: now.Add(l.opts.Duration),
		}
		return Decision{Allowed: true}
	}

	if rec.points > 0 {
		rec.points--
		return Decision{Allowed: true}
	}

	rec.blockedUntil = now.Add(l.opts.BlockDuration)
	l.logger.Warn("blocked", "key", key, "for", l.opts.BlockDuration)
	return Decision{RetryAfter: l.opts.BlockDuration}
}

// Sweep drops records whose window and block have both expired, so a
// long-running process doesn't accumulate one record per client forever.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, rec := range l.records {
		if !rec.windowResetAt.After(now) && !rec.blockedUntil.After(now) {
			delete(l.records, key)
		}
	}
}

// StartSweeping runs Sweep every interval until ctx is cancelled.
func (l *Limiter) StartSweeping(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

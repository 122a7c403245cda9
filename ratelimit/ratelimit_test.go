package ratelimit

import (
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(opts Options) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(opts, log.New(io.Discard))
	l.now = clock.Now
	return l, clock
}

func TestConsume(t *testing.T) {
	opts := Options{Points: 10, Duration: time.Second, BlockDuration: 60 * time.Second}

	t.Run("Allows Within Window", func(t *testing.T) {
		l, _ := newTestLimiter(opts)
		for i := 0; i < 10; i++ {
			if d := l.Consume("client"); !d.Allowed {
				t.Fatalf("call %d denied, want allowed", i+1)
			}
		}
	})

	t.Run("Eleventh Call Blocks For Block Duration", func(t *testing.T) {
		l, _ := newTestLimiter(opts)
		for i := 0; i < 10; i++ {
			l.Consume("client")
		}
		d := l.Consume("client")
		if d.Allowed {
			t.Fatal("11th call allowed, want denied")
		}
		if d.RetryAfter != 60*time.Second {
			t.Fatalf("RetryAfter = %s, want 60s", d.RetryAfter)
		}
	})

	t.Run("Block Persists Until Expiry", func(t *testing.T) {
		l, clock := newTestLimiter(opts)
		for i := 0; i < 11; i++ {
			l.Consume("client")
		}
		clock.Advance(30 * time.Second)
		d := l.Consume("client")
		if d.Allowed {
			t.Fatal("call during block allowed, want denied")
		}
		if d.RetryAfter != 30*time.Second {
			t.Fatalf("RetryAfter = %s, want 30s", d.RetryAfter)
		}
	})

	t.Run("Window Expiry Refreshes Points", func(t *testing.T) {
		l, clock := newTestLimiter(opts)
		for i := 0; i < 10; i++ {
			l.Consume("client")
		}
		clock.Advance(2 * time.Second)
		if d := l.Consume("client"); !d.Allowed {
			t.Fatal("call after window expiry denied, want allowed")
		}
	})

	t.Run("Keys Are Independent", func(t *testing.T) {
		l, _ := newTestLimiter(opts)
		for i := 0; i < 11; i++ {
			l.Consume("a")
		}
		if d := l.Consume("b"); !d.Allowed {
			t.Fatal("fresh key denied after another key was blocked")
		}
	})

	t.Run("Empty Key Shares Anonymous Bucket", func(t *testing.T) {
		l, _ := newTestLimiter(Options{Points: 1, Duration: time.Minute, BlockDuration: time.Minute})
		if d := l.Consume(""); !d.Allowed {
			t.Fatal("first anonymous call denied")
		}
		l.Consume("")
		if d := l.Consume(anonymousKey); d.Allowed {
			t.Fatal("anonymous bucket not shared with empty key")
		}
	})
}

func TestSweep(t *testing.T) {
	opts := Options{Points: 2, Duration: time.Second, BlockDuration: 10 * time.Second}

	t.Run("Evicts Fully Expired Records", func(t *testing.T) {
		l, clock := newTestLimiter(opts)
		l.Consume("client")
		clock.Advance(2 * time.Second)
		l.Sweep()
		if len(l.records) != 0 {
			t.Fatalf("records after sweep = %d, want 0", len(l.records))
		}
	})

	t.Run("Keeps Blocked Records", func(t *testing.T) {
		l, clock := newTestLimiter(opts)
		for i := 0; i < 3; i++ {
			l.Consume("client")
		}
		clock.Advance(2 * time.Second) // window gone, block still active
		l.Sweep()
		if len(l.records) != 1 {
			t.Fatalf("records after sweep = %d, want 1", len(l.records))
		}
		if d := l.Consume("client"); d.Allowed {
			t.Fatal("blocked client allowed after sweep")
		}
	})
}

func TestInvalidOptionsFallBackToDefaults(t *testing.T) {
	l, _ := newTestLimiter(Options{})
	if l.opts != DefaultOptions() {
		t.Fatalf("opts = %+v, want defaults", l.opts)
	}
}

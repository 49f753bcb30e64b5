package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by every polling loop in a trial. The
// primary flow advances through Sleep; auxiliary tasks wait on After.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Since returns the time elapsed on c since start.
func Since(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}

// Manual is a clock that only moves when Sleep or Advance is called. Sleep
// returns immediately after moving time forward, so loops driven by it run
// without wall-clock delays. Pending After channels fire as time passes
// their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	hooks   []func(time.Time)
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewManual constructs a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Advance(d)
	return nil
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: m.now.Add(d), ch: ch})
	return ch
}

// OnAdvance registers fn to run, outside the clock lock, every time the
// clock moves forward.
func (m *Manual) OnAdvance(fn func(time.Time)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Advance moves the clock forward by d and fires due waiters.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	now := m.now
	sort.Slice(m.waiters, func(i, j int) bool { return m.waiters[i].at.Before(m.waiters[j].at) })
	pending := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.at.After(now) {
			w.ch <- now
			continue
		}
		pending = append(pending, w)
	}
	m.waiters = pending
	hooks := append([]func(time.Time){}, m.hooks...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(now)
	}
}

// Pending reports how many After channels have not fired yet.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

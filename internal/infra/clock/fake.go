package clock

import (
	"sync"
	"time"

	"github.com/arklim/merchant-console-session/internal/core/port"
)

// Fake is a manually advanced clock for tests. Advance moves virtual time
// forward and fires any tickers or timers that come due, in order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

// NewFake returns a fake clock pinned at the supplied instant.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves virtual time forward by d, delivering due ticks.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		next, ok := f.nextDeadlineLocked(target)
		if !ok {
			break
		}
		f.now = next
		f.fireLocked(next)
	}
	f.now = target
	f.mu.Unlock()
}

func (f *Fake) nextDeadlineLocked(limit time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(at time.Time) {
		if at.After(limit) || at.Before(f.now) {
			return
		}
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	for _, t := range f.tickers {
		if !t.stopped {
			consider(t.next)
		}
	}
	for _, t := range f.timers {
		if !t.fired && !t.stopped {
			consider(t.deadline)
		}
	}
	return next, found
}

func (f *Fake) fireLocked(at time.Time) {
	for _, t := range f.tickers {
		if !t.stopped && !t.next.After(at) {
			select {
			case t.ch <- at:
			default:
			}
			t.next = t.next.Add(t.interval)
		}
	}
	for _, t := range f.timers {
		if !t.fired && !t.stopped && !t.deadline.After(at) {
			t.fired = true
			select {
			case t.ch <- at:
			default:
			}
		}
	}
}

func (f *Fake) NewTicker(d time.Duration) port.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{
		clock:    f,
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *Fake) NewTimer(d time.Duration) port.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{
		clock:    f,
		deadline: f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.timers = append(f.timers, t)
	return t
}

type fakeTicker struct {
	clock    *Fake
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	ch       chan time.Time
	fired    bool
	stopped  bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.fired && !t.stopped
	t.stopped = true
	return active
}

var _ port.Clock = (*Fake)(nil)

package port

import "time"

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer delivers a single tick after its delay elapses.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock supplies current time and schedules delayed or periodic callbacks.
// Isolated so tests can substitute a controllable clock and advance virtual
// time deterministically.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	NewTimer(d time.Duration) Timer
}

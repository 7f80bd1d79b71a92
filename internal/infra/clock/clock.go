package clock

import (
	"time"

	"github.com/arklim/merchant-console-session/internal/core/port"
)

// System is the wall-clock implementation of port.Clock.
type System struct{}

// NewSystem returns a wall-clock backed Clock.
func NewSystem() System {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

func (System) NewTicker(d time.Duration) port.Ticker {
	return systemTicker{time.NewTicker(d)}
}

func (System) NewTimer(d time.Duration) port.Timer {
	return systemTimer{time.NewTimer(d)}
}

type systemTicker struct {
	t *time.Ticker
}

func (t systemTicker) C() <-chan time.Time { return t.t.C }
func (t systemTicker) Stop()               { t.t.Stop() }

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) C() <-chan time.Time { return t.t.C }
func (t systemTimer) Stop() bool          { return t.t.Stop() }

var _ port.Clock = System{}

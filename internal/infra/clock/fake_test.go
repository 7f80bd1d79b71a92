package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresTicker(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	ticker := fake.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		t.Fatal("ticker fired before any time passed")
	default:
	}

	fake.Advance(5 * time.Minute)

	select {
	case at := <-ticker.C():
		if !at.Equal(start.Add(5 * time.Minute)) {
			t.Fatalf("tick at %v, want %v", at, start.Add(5*time.Minute))
		}
	default:
		t.Fatal("ticker did not fire after advancing past its interval")
	}

	if got := fake.Now(); !got.Equal(start.Add(5 * time.Minute)) {
		t.Fatalf("Now() = %v after advance", got)
	}
}

func TestFakeStoppedTickerDoesNotFire(t *testing.T) {
	fake := NewFake(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	ticker := fake.NewTicker(time.Minute)
	ticker.Stop()

	fake.Advance(10 * time.Minute)

	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeTimerFiresOnce(t *testing.T) {
	fake := NewFake(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	timer := fake.NewTimer(time.Minute)

	fake.Advance(time.Minute)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at its deadline")
	}

	fake.Advance(time.Hour)
	select {
	case <-timer.C():
		t.Fatal("timer fired a second time")
	default:
	}

	if timer.Stop() {
		t.Fatal("Stop on a fired timer should report inactive")
	}
}

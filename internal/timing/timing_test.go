package timing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFake_SleepAdvancesTime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Sleep(3 * time.Second)
	f.Sleep(2 * time.Second)

	if got := f.Now().Sub(start); got != 5*time.Second {
		t.Errorf("elapsed = %v, want 5s", got)
	}
	if got := f.Slept(); got != 5*time.Second {
		t.Errorf("Slept() = %v, want 5s", got)
	}
}

func TestFake_AdvanceIsNotSleep(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(time.Minute)

	if got := f.Now().Sub(start); got != time.Minute {
		t.Errorf("elapsed = %v, want 1m", got)
	}
	if got := f.Slept(); got != 0 {
		t.Errorf("Slept() = %v, want 0", got)
	}
}

func TestFake_OnSleepHook(t *testing.T) {
	f := NewFake(time.Now())
	var calls int
	f.OnSleep(func(d time.Duration) { calls++ })

	f.Sleep(time.Millisecond)
	f.Sleep(time.Millisecond)

	if calls != 2 {
		t.Errorf("hook calls = %d, want 2", calls)
	}
}

func TestReal_ImplementsClock(t *testing.T) {
	var c Clock = Real()
	before := time.Now()
	if c.Now().Before(before.Add(-time.Second)) {
		t.Error("Real().Now() is far in the past")
	}
}

func TestOffset_AppliesCorrection(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	o := NewOffset(f)

	if !o.Now().Equal(start) {
		t.Errorf("Now() = %v before Set, want %v", o.Now(), start)
	}
	o.Set(90 * time.Second)
	o.Sleep(time.Second)
	if want := start.Add(91 * time.Second); !o.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", o.Now(), want)
	}
	if f.Slept() != time.Second {
		t.Errorf("base Slept() = %v, want 1s", f.Slept())
	}
}

func TestQueryNTP_NoServer(t *testing.T) {
	if _, err := QueryNTP(context.Background(), ""); !errors.Is(err, ErrNoTimeServer) {
		t.Errorf("QueryNTP(\"\") error = %v, want ErrNoTimeServer", err)
	}
}

func TestQueryNTP_ExpiredContext(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := QueryNTP(ctx, "pool.ntp.org"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("QueryNTP() error = %v, want deadline exceeded", err)
	}
}

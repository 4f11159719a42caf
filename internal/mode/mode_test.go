package mode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/fingerprint-doorbell/internal/sensor"
	"github.com/nugget/fingerprint-doorbell/internal/sensor/sim"
	"github.com/nugget/fingerprint-doorbell/internal/timing"
)

func newMachine(t *testing.T, opts ...Option) (*Machine, *timing.Fake) {
	t.Helper()
	clk := timing.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(sim.New(), opts...), clk
}

func TestModeString(t *testing.T) {
	tests := []struct {
		m    Mode
		want string
	}{
		{Scanning, "scanning"},
		{Enrolling, "enrolling"},
		{ConfiguringNetwork, "configuring_network"},
		{Maintenance, "maintenance"},
		{Mode(9), "unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.m.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", tt.m, got, tt.want)
		}
	}
}

func TestTransitionAppliedAtNextTick(t *testing.T) {
	m, _ := newMachine(t)

	if err := m.RequestEnroll(sensor.EnrollRequest{Slot: 5, Name: "alice"}); err != nil {
		t.Fatalf("RequestEnroll() error: %v", err)
	}
	if m.Mode() != Scanning {
		t.Fatalf("mode changed before Advance: %s", m.Mode())
	}
	if got := m.Advance(); got != Enrolling {
		t.Fatalf("Advance() = %s, want enrolling", got)
	}

	req, ok := m.TakeEnrollRequest()
	if !ok || req.Slot != 5 {
		t.Fatalf("TakeEnrollRequest() = %+v, %v", req, ok)
	}
	m.Finish()
	if got := m.Advance(); got != Scanning {
		t.Errorf("Advance() after Finish = %s, want scanning", got)
	}
}

func TestRequestEnrollPending(t *testing.T) {
	m, _ := newMachine(t)
	if err := m.RequestEnroll(sensor.EnrollRequest{Slot: 1}); err != nil {
		t.Fatalf("first RequestEnroll() error: %v", err)
	}
	if err := m.RequestEnroll(sensor.EnrollRequest{Slot: 2}); !errors.Is(err, ErrEnrollPending) {
		t.Errorf("second RequestEnroll() error = %v, want ErrEnrollPending", err)
	}
}

func TestRequestEnrollInNetworkConfig(t *testing.T) {
	m, _ := newMachine(t)
	m.Start(ConfiguringNetwork)
	if err := m.RequestEnroll(sensor.EnrollRequest{Slot: 1}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("RequestEnroll() error = %v, want ErrUnavailable", err)
	}
}

func TestClaim(t *testing.T) {
	m, _ := newMachine(t)

	if _, err := m.Claim(Enrolling); !errors.Is(err, ErrModeMismatch) {
		t.Errorf("Claim(enrolling) in scanning error = %v, want ErrModeMismatch", err)
	}

	lease, err := m.Claim(Scanning)
	if err != nil {
		t.Fatalf("Claim(scanning) error: %v", err)
	}
	if lease.Sensor() == nil {
		t.Error("lease has no sensor")
	}
	if _, err := m.Claim(Scanning); !errors.Is(err, ErrSensorBusy) {
		t.Errorf("second Claim() error = %v, want ErrSensorBusy", err)
	}
	lease.Release()
	lease.Release()
	if _, err := m.Claim(Scanning); err != nil {
		t.Errorf("Claim() after Release error: %v", err)
	}
}

func TestClaimNetworkConfig(t *testing.T) {
	m, _ := newMachine(t)
	m.Start(ConfiguringNetwork)
	if _, err := m.Claim(ConfiguringNetwork); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Claim(configuring_network) error = %v, want ErrUnavailable", err)
	}
}

func TestAcquireExclusiveGranted(t *testing.T) {
	m, clk := newMachine(t)
	var sleeps int
	clk.OnSleep(func(time.Duration) {
		sleeps++
		if sleeps == 3 {
			m.Advance()
		}
	})

	lease, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("AcquireExclusive() error: %v", err)
	}
	if !lease.Exclusive() || m.Mode() != Maintenance || !m.InMaintenance() {
		t.Fatalf("exclusive=%v mode=%s", lease.Exclusive(), m.Mode())
	}
	if _, err := m.Claim(Scanning); !errors.Is(err, ErrModeMismatch) {
		t.Errorf("Claim(scanning) during maintenance error = %v", err)
	}
	if got := m.Advance(); got != Maintenance {
		t.Errorf("Advance() while held = %s, want maintenance", got)
	}

	lease.Release()
	if got := m.Advance(); got != Scanning {
		t.Errorf("Advance() after release = %s, want scanning", got)
	}
}

func TestAcquireExclusiveTimeout(t *testing.T) {
	m, clk := newMachine(t)

	_, err := m.AcquireExclusive(context.Background())
	if !errors.Is(err, ErrExclusivityTimeout) {
		t.Fatalf("AcquireExclusive() error = %v, want ErrExclusivityTimeout", err)
	}
	if clk.Slept() < DefaultMaintenanceWait {
		t.Errorf("slept %s, want at least %s", clk.Slept(), DefaultMaintenanceWait)
	}

	// No partial state: the next tick stays in Scanning and a new
	// request can be made.
	if got := m.Advance(); got != Scanning {
		t.Errorf("Advance() after timeout = %s, want scanning", got)
	}
	if m.InMaintenance() {
		t.Error("maintenance granted after timeout")
	}
	if _, err := m.Claim(Scanning); err != nil {
		t.Errorf("Claim() after timeout error: %v", err)
	}
}

func TestAcquireExclusiveCancelled(t *testing.T) {
	m, _ := newMachine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.AcquireExclusive(ctx)
	if !errors.Is(err, ErrExclusivityTimeout) || !errors.Is(err, context.Canceled) {
		t.Errorf("AcquireExclusive() error = %v, want timeout wrapping context.Canceled", err)
	}
}

func TestAcquireExclusiveBusy(t *testing.T) {
	m, clk := newMachine(t)
	clk.OnSleep(func(time.Duration) { m.Advance() })

	lease, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("AcquireExclusive() error: %v", err)
	}
	defer lease.Release()

	if _, err := m.AcquireExclusive(context.Background()); !errors.Is(err, ErrSensorBusy) {
		t.Errorf("second AcquireExclusive() error = %v, want ErrSensorBusy", err)
	}
}

func TestAcquireExclusiveNetworkConfig(t *testing.T) {
	m, _ := newMachine(t)
	m.Start(ConfiguringNetwork)
	if _, err := m.AcquireExclusive(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("AcquireExclusive() error = %v, want ErrUnavailable", err)
	}
}

func TestEnrollSurvivesMaintenance(t *testing.T) {
	m, clk := newMachine(t)
	clk.OnSleep(func(time.Duration) { m.Advance() })

	if err := m.RequestEnroll(sensor.EnrollRequest{Slot: 3}); err != nil {
		t.Fatalf("RequestEnroll() error: %v", err)
	}
	lease, err := m.AcquireExclusive(context.Background())
	if err != nil {
		t.Fatalf("AcquireExclusive() error: %v", err)
	}
	lease.Release()

	if got := m.Advance(); got != Enrolling {
		t.Errorf("Advance() after maintenance = %s, want enrolling", got)
	}
}

func TestObserver(t *testing.T) {
	var changes []string
	m, _ := newMachine(t, WithObserver(func(from, to Mode) {
		changes = append(changes, from.String()+">"+to.String())
	}))

	m.Advance()
	m.Request(Enrolling)
	m.Advance()
	m.Advance()

	if len(changes) != 1 || changes[0] != "scanning>enrolling" {
		t.Errorf("changes = %v", changes)
	}
}

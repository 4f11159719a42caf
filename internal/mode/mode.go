// Package mode arbitrates the device's operating mode and, through it,
// access to the sensor.
//
// The scheduler is the only goroutine that changes the mode. Requests
// from elsewhere (an enrollment, an admin action needing exclusive
// sensor access) are parked in a pending slot and applied by Advance at
// the start of the next tick, so a tick in progress is never pre-empted.
// Sensor access is granted through a Lease; Claim fails fast when the
// mode disagrees with the caller instead of relying on convention.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nugget/fingerprint-doorbell/internal/sensor"
	"github.com/nugget/fingerprint-doorbell/internal/timing"
)

// Mode is the device-wide operating mode.
type Mode int32

const (
	Scanning Mode = iota
	Enrolling
	ConfiguringNetwork
	Maintenance
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Scanning:
		return "scanning"
	case Enrolling:
		return "enrolling"
	case ConfiguringNetwork:
		return "configuring_network"
	case Maintenance:
		return "maintenance"
	default:
		return fmt.Sprintf("unknown(%d)", int32(m))
	}
}

var (
	// ErrExclusivityTimeout means maintenance was not reached within the
	// bounded wait. The caller must not touch the sensor.
	ErrExclusivityTimeout = errors.New("exclusive sensor access not granted in time")
	// ErrModeMismatch means a lease was requested for a mode that is not
	// current.
	ErrModeMismatch = errors.New("mode does not permit sensor access")
	// ErrSensorBusy means another holder has the sensor or is already
	// waiting for it.
	ErrSensorBusy = errors.New("sensor busy")
	// ErrUnavailable means the request is meaningless in the current
	// mode (network configuration never touches the sensor).
	ErrUnavailable = errors.New("not available while configuring network")
	// ErrEnrollPending means an enrollment is already queued.
	ErrEnrollPending = errors.New("an enrollment is already pending")
)

// Defaults for the maintenance handshake.
const (
	DefaultMaintenanceWait = 5 * time.Second
	DefaultMaintenancePoll = 50 * time.Millisecond
)

const noPending int32 = -1

// maintenance handshake states
const (
	maintIdle int32 = iota
	maintRequested
	maintGranted
)

// Machine holds the current mode and the pending transition.
type Machine struct {
	current atomic.Int32
	pending atomic.Int32
	maint   atomic.Int32
	held    atomic.Bool
	enroll  atomic.Pointer[sensor.EnrollRequest]

	driver   sensor.Driver
	clock    timing.Clock
	wait     time.Duration
	poll     time.Duration
	onChange func(from, to Mode)
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used by the maintenance wait.
func WithClock(c timing.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithMaintenanceWait overrides the bounded wait and poll interval.
// Non-positive values keep the defaults.
func WithMaintenanceWait(wait, poll time.Duration) Option {
	return func(m *Machine) {
		if wait > 0 {
			m.wait = wait
		}
		if poll > 0 {
			m.poll = poll
		}
	}
}

// WithObserver registers a callback run by Advance and Start whenever
// the mode changes.
func WithObserver(fn func(from, to Mode)) Option {
	return func(m *Machine) { m.onChange = fn }
}

// New returns a Machine in Scanning that hands out leases on driver.
func New(driver sensor.Driver, opts ...Option) *Machine {
	m := &Machine{
		driver: driver,
		clock:  timing.Real(),
		wait:   DefaultMaintenanceWait,
		poll:   DefaultMaintenancePoll,
	}
	m.pending.Store(noPending)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	return Mode(m.current.Load())
}

// Start sets the boot mode. It must be called before the scheduler
// starts ticking.
func (m *Machine) Start(initial Mode) {
	from := Mode(m.current.Swap(int32(initial)))
	m.changed(from, initial)
}

// Request parks a transition to next for the start of the next tick.
func (m *Machine) Request(next Mode) {
	m.pending.Store(int32(next))
}

// RequestEnroll queues a single-shot enrollment.
func (m *Machine) RequestEnroll(req sensor.EnrollRequest) error {
	if m.Mode() == ConfiguringNetwork {
		return ErrUnavailable
	}
	if !m.enroll.CompareAndSwap(nil, &req) {
		return ErrEnrollPending
	}
	m.Request(Enrolling)
	return nil
}

// TakeEnrollRequest removes and returns the queued enrollment, if any.
func (m *Machine) TakeEnrollRequest() (sensor.EnrollRequest, bool) {
	req := m.enroll.Swap(nil)
	if req == nil {
		return sensor.EnrollRequest{}, false
	}
	return *req, true
}

// Finish ends a single-shot mode. The device returns to Scanning at the
// next tick unless another transition was requested meanwhile.
func (m *Machine) Finish() {
	m.pending.CompareAndSwap(noPending, int32(Scanning))
}

// Advance applies the pending transition and grants a waiting
// maintenance request. Only the scheduler calls it, at a tick boundary,
// while it holds no lease.
func (m *Machine) Advance() Mode {
	from := m.Mode()
	if m.maint.Load() == maintGranted {
		return from
	}

	to := from
	if p := m.pending.Swap(noPending); p != noPending {
		to = Mode(p)
	}
	if to != ConfiguringNetwork && m.maint.CompareAndSwap(maintRequested, maintGranted) {
		if to != Maintenance && to != Scanning {
			// A single-shot mode displaced by maintenance runs afterwards.
			m.pending.CompareAndSwap(noPending, int32(to))
		}
		to = Maintenance
	}

	m.current.Store(int32(to))
	m.changed(from, to)
	return to
}

func (m *Machine) changed(from, to Mode) {
	if from != to && m.onChange != nil {
		m.onChange(from, to)
	}
}

// Claim returns a lease for one tick of work in mode want.
func (m *Machine) Claim(want Mode) (*Lease, error) {
	if cur := m.Mode(); cur != want {
		return nil, fmt.Errorf("%w: want %s, current %s", ErrModeMismatch, want, cur)
	}
	if want == ConfiguringNetwork {
		return nil, ErrUnavailable
	}
	if !m.held.CompareAndSwap(false, true) {
		return nil, ErrSensorBusy
	}
	return &Lease{m: m}, nil
}

// AcquireExclusive asks the scheduler to enter Maintenance and waits up
// to the configured bound for it to do so. On timeout or cancellation
// the request is withdrawn and nothing has changed.
func (m *Machine) AcquireExclusive(ctx context.Context) (*Lease, error) {
	if m.Mode() == ConfiguringNetwork {
		return nil, ErrUnavailable
	}
	if !m.maint.CompareAndSwap(maintIdle, maintRequested) {
		return nil, ErrSensorBusy
	}

	deadline := m.clock.Now().Add(m.wait)
	for {
		if m.maint.Load() == maintGranted {
			return m.grant(), nil
		}

		var cause error
		if err := ctx.Err(); err != nil {
			cause = err
		} else if !m.clock.Now().Before(deadline) {
			cause = fmt.Errorf("waited %s", m.wait)
		}
		if cause != nil {
			if m.maint.CompareAndSwap(maintRequested, maintIdle) {
				return nil, fmt.Errorf("%w: %w", ErrExclusivityTimeout, cause)
			}
			// Granted between the check and the withdrawal.
			return m.grant(), nil
		}
		m.clock.Sleep(m.poll)
	}
}

func (m *Machine) grant() *Lease {
	m.held.Store(true)
	return &Lease{m: m, exclusive: true}
}

// InMaintenance reports whether an exclusive holder has the sensor.
func (m *Machine) InMaintenance() bool {
	return m.maint.Load() == maintGranted
}

// Lease is the capability to use the sensor. It must be released, and
// the sensor must not be used afterwards.
type Lease struct {
	m         *Machine
	exclusive bool
	released  atomic.Bool
}

// Sensor returns the driver.
func (l *Lease) Sensor() sensor.Driver {
	return l.m.driver
}

// Exclusive reports whether the lease came from AcquireExclusive.
func (l *Lease) Exclusive() bool {
	return l.exclusive
}

// Release gives the sensor back. Releasing an exclusive lease schedules
// the return to Scanning. Extra calls are no-ops.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.m.held.Store(false)
	if l.exclusive {
		l.m.pending.CompareAndSwap(noPending, int32(Scanning))
		l.m.maint.Store(maintIdle)
	}
}

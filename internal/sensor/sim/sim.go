// Package sim is an in-memory sensor module. It backs the "sim" sensor
// driver in config and doubles as the hardware stand-in for tests:
// scan outcomes are scripted, template memory is a map, and every call
// is counted.
package sim

import (
	"sort"
	"strings"
	"sync"

	"github.com/nugget/fingerprint-doorbell/internal/sensor"
)

// Calls counts driver invocations that touch module state.
type Calls struct {
	Scan           int
	Enroll         int
	Delete         int
	Rename         int
	DeleteAll      int
	PairingReads   int
	PairingWrites  int
	IndicatorSets  int
	IgnoreTouchSet int
}

// Driver implements sensor.Driver in memory.
type Driver struct {
	mu sync.Mutex

	connected   bool
	connectErr  error
	password    string
	touched     bool
	script      []sensor.ScanOutcome
	templates   map[int]string
	pairing     string
	failPairing bool
	unreadable  bool
	enrollCode  int
	indicator   sensor.Indicator
	colors      sensor.Colors
	ignoreTouch bool
	calls       Calls
}

// DefaultPassword is the factory access password of the module.
const DefaultPassword = "00000000"

// New returns a connected, empty module.
func New() *Driver {
	return &Driver{
		connected: true,
		password:  DefaultPassword,
		templates: make(map[int]string),
		colors:    sensor.DefaultColors(),
	}
}

// Queue appends outcomes returned by subsequent Scan calls. Once the
// queue drains, Scan reports NoFinger.
func (d *Driver) Queue(outcomes ...sensor.ScanOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, outcomes...)
}

// SetTouched sets the finger-present state reported by IsTouched.
func (d *Driver) SetTouched(touched bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched = touched
}

// SetConnectError makes Connect fail with err and marks the module
// disconnected.
func (d *Driver) SetConnectError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
	if err != nil {
		d.connected = false
	}
}

// FailEnroll makes the next enrollments fail with code. Zero restores
// success.
func (d *Driver) FailEnroll(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enrollCode = code
}

// StorePairingCode overwrites the code held by the module without going
// through SetPairingCode, simulating a swapped module.
func (d *Driver) StorePairingCode(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pairing = code
}

// SetPairingUnreadable makes PairingCode return "" as on a bus error.
func (d *Driver) SetPairingUnreadable(unreadable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreadable = unreadable
}

// RejectPairingWrites makes SetPairingCode fail.
func (d *Driver) RejectPairingWrites(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failPairing = reject
}

// Calls returns a snapshot of the call counters.
func (d *Driver) Calls() Calls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Indicator returns the last indicator set.
func (d *Driver) Indicator() sensor.Indicator {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.indicator
}

// IgnoringTouchRing reports the last SetIgnoreTouchRing value.
func (d *Driver) IgnoringTouchRing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ignoreTouch
}

// SetPassword changes the access password the module expects.
func (d *Driver) SetPassword(password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.password = password
}

func (d *Driver) Connect(password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	if !strings.EqualFold(password, d.password) {
		d.connected = false
		return sensor.ErrWrongPassword
	}
	d.connected = true
	return nil
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Driver) Scan() sensor.ScanOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.Scan++
	if len(d.script) == 0 {
		return sensor.ScanOutcome{Kind: sensor.NoFinger}
	}
	out := d.script[0]
	d.script = d.script[1:]
	if out.Kind == sensor.MatchFound && out.Name == "" {
		out.Name = d.templates[out.ID]
	}
	return out
}

func (d *Driver) Enroll(slot int, name string) sensor.EnrollResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.Enroll++
	if d.enrollCode != 0 {
		return sensor.EnrollResult{Code: d.enrollCode}
	}
	d.templates[slot] = name
	return sensor.EnrollResult{OK: true}
}

func (d *Driver) Delete(slot int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.Delete++
	if _, ok := d.templates[slot]; !ok {
		return false
	}
	delete(d.templates, slot)
	return true
}

func (d *Driver) Rename(slot int, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.Rename++
	if _, ok := d.templates[slot]; !ok {
		return false
	}
	d.templates[slot] = name
	return true
}

func (d *Driver) DeleteAll() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.DeleteAll++
	d.templates = make(map[int]string)
	return true
}

func (d *Driver) Identities() []sensor.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]sensor.Identity, 0, len(d.templates))
	for id, name := range d.templates {
		ids = append(ids, sensor.Identity{ID: id, Name: name})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
	return ids
}

func (d *Driver) IsTouched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.touched
}

func (d *Driver) PairingCode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.PairingReads++
	if d.unreadable {
		return ""
	}
	return d.pairing
}

func (d *Driver) SetPairingCode(code string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.PairingWrites++
	if d.failPairing || !d.connected {
		return false
	}
	d.pairing = code
	return true
}

func (d *Driver) SetIndicator(state sensor.Indicator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.IndicatorSets++
	d.indicator = state
}

// Colors returns the LED settings last applied.
func (d *Driver) Colors() sensor.Colors {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.colors
}

func (d *Driver) SetColors(c sensor.Colors) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.colors = c
}

func (d *Driver) SetIgnoreTouchRing(ignore bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls.IgnoreTouchSet++
	d.ignoreTouch = ignore
}

var _ sensor.Driver = (*Driver)(nil)

// Package sensor defines the call contract between the controller and
// the detachable fingerprint sensor module. The module's own matching
// algorithm is not part of this repository; only the operations the
// controller invokes and the outcomes it interprets live here.
//
// A Driver is not safe for concurrent use. The controller guarantees
// that at most one caller holds it at a time through a mode.Lease.
package sensor

import (
	"errors"
	"fmt"
)

// Slot bounds of the sensor's template memory.
const (
	MinSlot = 1
	MaxSlot = 200
)

// ErrInvalidSlot is returned for slot ids outside [MinSlot, MaxSlot].
var ErrInvalidSlot = errors.New("invalid memory slot id")

// ErrWrongPassword is returned by Connect when the module rejects the
// access password.
var ErrWrongPassword = errors.New("sensor rejected password")

// ScanKind classifies a scan outcome. Edge detection in the scan loop
// compares kinds, not full outcomes.
type ScanKind uint8

const (
	// NoFinger means nothing is touching the sensor.
	NoFinger ScanKind = iota
	// MatchFound means a finger matched an enrolled template.
	MatchFound
	// NoMatchFound means a finger was read but matched nothing.
	NoMatchFound
	// ScanError means the sensor reported a failure.
	ScanError
)

// String returns a lower-case name suitable for logs and metric labels.
func (k ScanKind) String() string {
	switch k {
	case NoFinger:
		return "no_finger"
	case MatchFound:
		return "match"
	case NoMatchFound:
		return "no_match"
	case ScanError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ScanOutcome is the result of a single scan. ID, Name and Confidence
// are set for MatchFound; Code carries the sensor diagnostic for
// NoMatchFound and ScanError.
type ScanOutcome struct {
	Kind       ScanKind
	ID         int
	Name       string
	Confidence int
	Code       int
}

// EnrollRequest asks the sensor to store a new template.
type EnrollRequest struct {
	Slot int    `json:"slot"`
	Name string `json:"name"`
}

// Validate rejects slots outside the sensor's template memory.
func (r EnrollRequest) Validate() error {
	return ValidateSlot(r.Slot)
}

// ValidateSlot reports whether slot addresses sensor template memory.
func ValidateSlot(slot int) error {
	if slot < MinSlot || slot > MaxSlot {
		return fmt.Errorf("%w '%d' (valid: %d-%d)", ErrInvalidSlot, slot, MinSlot, MaxSlot)
	}
	return nil
}

// EnrollResult is the sensor's answer to an enrollment.
type EnrollResult struct {
	OK   bool
	Code int
}

// Identity is one enrolled template.
type Identity struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Indicator is the visual state shown on the sensor's LED ring.
type Indicator uint8

const (
	IndicatorReady Indicator = iota
	IndicatorError
	IndicatorWifiConfig
)

// String returns the indicator name.
func (i Indicator) String() string {
	switch i {
	case IndicatorReady:
		return "ready"
	case IndicatorError:
		return "error"
	case IndicatorWifiConfig:
		return "wifi_config"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(i))
	}
}

// Colors holds the LED ring color and sequence codes. Values are
// passed to the module unchanged.
type Colors struct {
	ActiveColor    int `json:"active_color"`
	ActiveSequence int `json:"active_sequence"`
	ScanColor      int `json:"scan_color"`
	MatchColor     int `json:"match_color"`
}

// DefaultColors matches the factory LED configuration of the module.
func DefaultColors() Colors {
	return Colors{ActiveColor: 2, ActiveSequence: 1, ScanColor: 1, MatchColor: 3}
}

// Driver is the sensor module as seen by the controller.
type Driver interface {
	// Connect opens the link to the module and verifies its access
	// password, eight hex digits.
	Connect(password string) error
	// Connected reports whether the module answered on the last exchange.
	Connected() bool

	Scan() ScanOutcome
	Enroll(slot int, name string) EnrollResult
	Delete(slot int) bool
	Rename(slot int, name string) bool
	DeleteAll() bool
	// Identities returns the driver's cached list of enrolled templates.
	Identities() []Identity

	// IsTouched reports whether a finger rests on the sensor right now.
	IsTouched() bool

	// PairingCode reads the code stored on the module. An empty string
	// means the read failed.
	PairingCode() string
	SetPairingCode(code string) bool

	SetIndicator(state Indicator)
	SetColors(c Colors)
	// SetIgnoreTouchRing suppresses touch-ring wakeups that are not
	// followed by a readable finger.
	SetIgnoreTouchRing(ignore bool)
}

// Package pairing binds the controller to one physical sensor module.
// A random code is written into the module's memory and remembered in
// the settings store; a module that later reports a different code has
// been swapped, and match results stop reaching the broker until the
// operator pairs again.
//
// A device that has never been paired pairs itself on the first check
// (trust on first use). There is no established trust to violate at
// that point, and onboarding depends on it.
package pairing

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
)

// CodeLength is the length of generated pairing codes.
const CodeLength = 16

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// MismatchMessage is the security line logged when the module reports
// a foreign code.
const MismatchMessage = "Security issue! The sensor reported an unknown pairing code. Pairing has been invalidated until the sensor is paired again in settings."

// Record is the persisted pairing state. An empty Code with Valid
// false means the device has never been paired.
type Record struct {
	Code  string
	Valid bool
}

// Paired reports whether a pairing has ever been recorded.
func (r Record) Paired() bool {
	return r.Code != ""
}

// Store persists the pairing record.
type Store interface {
	LoadPairing() (Record, error)
	SavePairing(Record) error
}

// Sensor is the slice of the sensor driver the protocol uses.
type Sensor interface {
	PairingCode() string
	SetPairingCode(code string) bool
}

// Notifier receives operator-facing status lines.
type Notifier interface {
	Notify(msg string)
	Security(msg string)
}

// Protocol owns the pairing record. The in-memory copy is
// authoritative; every change is written through to the store.
type Protocol struct {
	mu       sync.Mutex
	rec      Record
	store    Store
	log      Notifier
	logger   *slog.Logger
	generate func() (string, error)
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithGenerator replaces the random code generator.
func WithGenerator(fn func() (string, error)) Option {
	return func(p *Protocol) { p.generate = fn }
}

// New loads the current record from store.
func New(store Store, log Notifier, logger *slog.Logger, opts ...Option) (*Protocol, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rec, err := store.LoadPairing()
	if err != nil {
		return nil, fmt.Errorf("load pairing: %w", err)
	}
	p := &Protocol{
		rec:      rec,
		store:    store,
		log:      log,
		logger:   logger,
		generate: GenerateCode,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Valid reports the cached validity without touching the sensor.
func (p *Protocol) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Valid
}

// Record returns a copy of the current record.
func (p *Protocol) Record() Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec
}

// Pair writes a fresh code to the sensor. On acknowledgment the code is
// stored as valid; on any failure the previous record is left as is.
func (p *Protocol) Pair(s Sensor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pairLocked(s)
}

func (p *Protocol) pairLocked(s Sensor) bool {
	code, err := p.generate()
	if err != nil {
		p.logger.Error("pairing code generation failed", "error", err)
		p.log.Notify("Pairing failed.")
		return false
	}
	if !s.SetPairingCode(code) {
		p.log.Notify("Pairing failed.")
		return false
	}

	next := Record{Code: code, Valid: true}
	if err := p.store.SavePairing(next); err != nil {
		// The sensor already holds the new code, so the old record can
		// never validate again. Keep the new one in memory and surface
		// the storage failure.
		p.logger.Error("pairing not persisted", "error", err)
		p.rec = next
		p.log.Notify("Pairing succeeded but could not be saved. It will be lost on restart.")
		return true
	}
	p.rec = next
	p.log.Notify("Pairing successful.")
	return true
}

// Status is the outcome of a pairing check.
type Status uint8

const (
	// Valid means the attached sensor is the paired one.
	Valid Status = iota
	// Unreadable means the sensor did not return its code. The record
	// is unchanged and the next check retries.
	Unreadable
	// Mismatch means the sensor reported a foreign code on this check.
	Mismatch
	// Invalidated means an earlier check found a mismatch and no pairing
	// has happened since.
	Invalidated
	// PairFailed means the first-use pairing could not be completed.
	PairFailed
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case Unreadable:
		return "unreadable"
	case Mismatch:
		return "mismatch"
	case Invalidated:
		return "invalidated"
	case PairFailed:
		return "pair_failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Check decides whether the attached sensor is the paired one. It must
// be called before a match result is published.
//
//   - never paired: pair now, Valid or PairFailed
//   - previously invalidated: Invalidated until Pair is called
//   - sensor code equal to stored code: Valid
//   - sensor code empty (read failure): Unreadable, state unchanged
//   - sensor code different: invalidate, log a security line, Mismatch
func (p *Protocol) Check(s Sensor) Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.rec.Valid {
		if !p.rec.Paired() {
			if p.pairLocked(s) {
				return Valid
			}
			return PairFailed
		}
		p.logger.Debug("pairing has been invalidated previously")
		return Invalidated
	}

	actual := s.PairingCode()
	if actual == p.rec.Code {
		return Valid
	}
	if actual == "" {
		p.logger.Warn("sensor pairing code unreadable, will retry")
		return Unreadable
	}

	p.rec.Valid = false
	if err := p.store.SavePairing(p.rec); err != nil {
		p.logger.Error("pairing invalidation not persisted", "error", err)
	}
	p.log.Security(MismatchMessage)
	return Mismatch
}

// CheckValid reports whether Check returns Valid.
func (p *Protocol) CheckValid(s Sensor) bool {
	return p.Check(s) == Valid
}

// Forget drops the in-memory record after the settings store has been
// wiped. The next CheckValid pairs again.
func (p *Protocol) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec = Record{}
}

// GenerateCode returns a random code of CodeLength characters drawn
// from an alphabet without look-alike glyphs.
func GenerateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	b := make([]byte, CodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

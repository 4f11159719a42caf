// Package gpio drives the doorbell signal output and the optional
// custom inputs and outputs on a Linux GPIO character device.
package gpio

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// Line is the subset of a requested GPIO line used here. It is
// satisfied by *gpiocdev.Line.
type Line interface {
	Value() (int, error)
	SetValue(value int) error
	Close() error
}

// Pin names a line offset on the chip.
type Pin struct {
	Name      string `yaml:"name"`
	Offset    int    `yaml:"offset"`
	ActiveLow bool   `yaml:"active_low"`
}

// Config selects the chip and the lines to request. A negative
// DoorbellOffset disables the signal output.
type Config struct {
	Chip           string
	DoorbellOffset int
	Outputs        []Pin
	Inputs         []Pin
}

// Change is a custom input transition observed by [Bank.PollInputs].
type Change struct {
	Name string
	On   bool
}

type input struct {
	name string
	line Line
	on   bool
}

// Bank owns every requested line. All methods are safe for concurrent
// use; custom outputs are set from inbound broker messages while the
// scheduler rings the bell and polls inputs.
type Bank struct {
	mu       sync.Mutex
	doorbell Line
	outputs  map[string]Line
	inputs   []*input
	closer   func() error
	logger   *slog.Logger
}

// Open requests the configured lines from cfg.Chip.
func Open(cfg Config, logger *slog.Logger) (*Bank, error) {
	chip, err := gpiocdev.NewChip(cfg.Chip, gpiocdev.WithConsumer("doorbell"))
	if err != nil {
		return nil, fmt.Errorf("open chip %s: %w", cfg.Chip, err)
	}

	var doorbell Line
	outputs := make(map[string]Line)
	inputs := make(map[string]Line)
	var requested []Line

	fail := func(err error) (*Bank, error) {
		for _, l := range requested {
			l.Close()
		}
		chip.Close()
		return nil, err
	}

	if cfg.DoorbellOffset >= 0 {
		l, err := chip.RequestLine(cfg.DoorbellOffset, gpiocdev.AsOutput(0))
		if err != nil {
			return fail(fmt.Errorf("request doorbell pin %d: %w", cfg.DoorbellOffset, err))
		}
		doorbell = l
		requested = append(requested, l)
	}
	for _, p := range cfg.Outputs {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
		if p.ActiveLow {
			opts = append(opts, gpiocdev.AsActiveLow)
		}
		l, err := chip.RequestLine(p.Offset, opts...)
		if err != nil {
			return fail(fmt.Errorf("request output %s pin %d: %w", p.Name, p.Offset, err))
		}
		outputs[p.Name] = l
		requested = append(requested, l)
	}
	for _, p := range cfg.Inputs {
		opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullDown}
		if p.ActiveLow {
			opts = []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.AsActiveLow}
		}
		l, err := chip.RequestLine(p.Offset, opts...)
		if err != nil {
			return fail(fmt.Errorf("request input %s pin %d: %w", p.Name, p.Offset, err))
		}
		inputs[p.Name] = l
		requested = append(requested, l)
	}

	b := NewBank(doorbell, outputs, inputs, logger)
	b.closer = chip.Close
	return b, nil
}

// NewBank wraps already requested lines. doorbell may be nil.
func NewBank(doorbell Line, outputs, inputs map[string]Line, logger *slog.Logger) *Bank {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bank{
		doorbell: doorbell,
		outputs:  make(map[string]Line, len(outputs)),
		logger:   logger,
	}
	for name, l := range outputs {
		b.outputs[name] = l
	}
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.inputs = append(b.inputs, &input{name: name, line: inputs[name]})
	}
	return b
}

// SetSignal drives the doorbell output. A bank without a doorbell line
// ignores the call.
func (b *Bank) SetSignal(on bool) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.doorbell == nil {
		return nil
	}
	if err := b.doorbell.SetValue(level(on)); err != nil {
		return fmt.Errorf("set doorbell signal: %w", err)
	}
	return nil
}

// Outputs returns the custom output names in sorted order.
func (b *Bank) Outputs() []string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.outputs))
	for name := range b.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetOutput drives a custom output.
func (b *Bank) SetOutput(name string, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.outputs[name]
	if !ok {
		return fmt.Errorf("output %s not found", name)
	}
	if err := l.SetValue(level(on)); err != nil {
		return fmt.Errorf("set output %s: %w", name, err)
	}
	return nil
}

// HandlePayload applies an "on" or "off" payload to a custom output.
// Any other payload is ignored.
func (b *Bank) HandlePayload(name string, payload []byte) {
	var on bool
	switch string(payload) {
	case "on":
		on = true
	case "off":
	default:
		b.logger.Debug("ignoring output payload", "output", name, "payload", string(payload))
		return
	}
	if err := b.SetOutput(name, on); err != nil {
		b.logger.Warn("custom output failed", "output", name, "error", err)
	}
}

// PollInputs reads every custom input and returns those whose level
// differs from the previous poll. Inputs start off, so the first poll
// reports only inputs that are already on. A line that cannot be read
// keeps its previous level.
func (b *Bank) PollInputs() []Change {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var changes []Change
	for _, in := range b.inputs {
		v, err := in.line.Value()
		if err != nil {
			b.logger.Debug("custom input read failed", "input", in.name, "error", err)
			continue
		}
		on := v != 0
		if on != in.on {
			in.on = on
			changes = append(changes, Change{Name: in.name, On: on})
		}
	}
	return changes
}

// Close releases every line and the chip.
func (b *Bank) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	if b.doorbell != nil {
		errs = append(errs, b.doorbell.Close())
	}
	for name, l := range b.outputs {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output %s: %w", name, err))
		}
	}
	for _, in := range b.inputs {
		if err := in.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input %s: %w", in.name, err))
		}
	}
	if b.closer != nil {
		errs = append(errs, b.closer())
	}
	return errors.Join(errs...)
}

func level(on bool) int {
	if on {
		return 1
	}
	return 0
}

package gpio

import (
	"bytes"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

type fakeLine struct {
	value   int
	writes  []int
	readErr error
	closed  bool
}

func (f *fakeLine) Value() (int, error) { return f.value, f.readErr }

func (f *fakeLine) SetValue(v int) error {
	f.value = v
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeLine) Close() error {
	f.closed = true
	return nil
}

func TestSetSignal(t *testing.T) {
	bell := &fakeLine{}
	b := NewBank(bell, nil, nil, nil)

	if err := b.SetSignal(true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetSignal(false); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(bell.writes, []int{1, 0}) {
		t.Errorf("writes = %v, want [1 0]", bell.writes)
	}
}

func TestSetSignalWithoutLine(t *testing.T) {
	b := NewBank(nil, nil, nil, nil)
	if err := b.SetSignal(true); err != nil {
		t.Errorf("SetSignal() error = %v, want nil", err)
	}
	var nilBank *Bank
	if err := nilBank.SetSignal(true); err != nil {
		t.Errorf("nil SetSignal() error = %v, want nil", err)
	}
}

func TestHandlePayload(t *testing.T) {
	var buf bytes.Buffer
	out := &fakeLine{}
	b := NewBank(nil, map[string]Line{"customOutput1": out}, nil,
		slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	b.HandlePayload("customOutput1", []byte("on"))
	b.HandlePayload("customOutput1", []byte("toggle"))
	b.HandlePayload("customOutput1", []byte("off"))

	if !reflect.DeepEqual(out.writes, []int{1, 0}) {
		t.Errorf("writes = %v, want [1 0]", out.writes)
	}
	if !strings.Contains(buf.String(), "ignoring output payload") {
		t.Errorf("unknown payload not logged: %s", buf.String())
	}

	b.HandlePayload("missing", []byte("on"))
	if !strings.Contains(buf.String(), "output missing not found") {
		t.Errorf("missing output not logged: %s", buf.String())
	}
}

func TestPollInputs(t *testing.T) {
	in1 := &fakeLine{}
	in2 := &fakeLine{value: 1}
	b := NewBank(nil, nil, map[string]Line{"customInput2": in2, "customInput1": in1}, nil)

	tests := []struct {
		name  string
		setup func()
		want  []Change
	}{
		{"first poll reports inputs already on", func() {}, []Change{{Name: "customInput2", On: true}}},
		{"steady state is silent", func() {}, nil},
		{"rising edge", func() { in1.value = 1 }, []Change{{Name: "customInput1", On: true}}},
		{"falling edges in name order", func() { in1.value = 0; in2.value = 0 },
			[]Change{{Name: "customInput1", On: false}, {Name: "customInput2", On: false}}},
		{"read error keeps level", func() { in1.readErr = errors.New("io") }, nil},
	}
	for _, tt := range tests {
		tt.setup()
		if got := b.PollInputs(); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: PollInputs() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOutputsAndClose(t *testing.T) {
	bell, a, z, in := &fakeLine{}, &fakeLine{}, &fakeLine{}, &fakeLine{}
	b := NewBank(bell, map[string]Line{"z": z, "a": a}, map[string]Line{"in": in}, nil)

	if got := b.Outputs(); !reflect.DeepEqual(got, []string{"a", "z"}) {
		t.Errorf("Outputs() = %v", got)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	for i, l := range []*fakeLine{bell, a, z, in} {
		if !l.closed {
			t.Errorf("line %d not closed", i)
		}
	}
}

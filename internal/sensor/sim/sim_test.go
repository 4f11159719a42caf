package sim

import (
	"errors"
	"testing"

	"github.com/nugget/fingerprint-doorbell/internal/sensor"
)

func TestScanScriptThenIdle(t *testing.T) {
	d := New()
	d.Enroll(7, "alice")
	d.Queue(
		sensor.ScanOutcome{Kind: sensor.MatchFound, ID: 7, Confidence: 90},
		sensor.ScanOutcome{Kind: sensor.NoMatchFound, Code: 9},
	)

	first := d.Scan()
	if first.Kind != sensor.MatchFound || first.Name != "alice" {
		t.Errorf("first scan = %+v, want match for alice", first)
	}
	if got := d.Scan().Kind; got != sensor.NoMatchFound {
		t.Errorf("second scan kind = %v, want no_match", got)
	}
	if got := d.Scan().Kind; got != sensor.NoFinger {
		t.Errorf("idle scan kind = %v, want no_finger", got)
	}
	if got := d.Calls().Scan; got != 3 {
		t.Errorf("scan calls = %d, want 3", got)
	}
}

func TestTemplates(t *testing.T) {
	d := New()
	d.Enroll(2, "bob")
	d.Enroll(1, "alice")

	ids := d.Identities()
	if len(ids) != 2 || ids[0].ID != 1 || ids[1].ID != 2 {
		t.Fatalf("Identities() = %+v, want sorted [1 2]", ids)
	}
	if !d.Rename(2, "robert") {
		t.Fatal("Rename(2) = false")
	}
	if d.Rename(99, "nobody") {
		t.Error("Rename(99) = true for empty slot")
	}
	if !d.Delete(1) || d.Delete(1) {
		t.Error("Delete(1) should succeed once")
	}
	if !d.DeleteAll() || len(d.Identities()) != 0 {
		t.Error("DeleteAll() left templates behind")
	}
}

func TestPairingCode(t *testing.T) {
	d := New()
	if !d.SetPairingCode("ABC123") {
		t.Fatal("SetPairingCode failed")
	}
	if got := d.PairingCode(); got != "ABC123" {
		t.Errorf("PairingCode() = %q, want ABC123", got)
	}

	d.SetPairingUnreadable(true)
	if got := d.PairingCode(); got != "" {
		t.Errorf("unreadable PairingCode() = %q, want empty", got)
	}

	d.RejectPairingWrites(true)
	if d.SetPairingCode("NEW") {
		t.Error("SetPairingCode succeeded while writes rejected")
	}
}

func TestEnrollFailure(t *testing.T) {
	d := New()
	d.FailEnroll(6)
	res := d.Enroll(5, "carol")
	if res.OK || res.Code != 6 {
		t.Errorf("Enroll() = %+v, want failure code 6", res)
	}
	if len(d.Identities()) != 0 {
		t.Error("failed enrollment stored a template")
	}
}

func TestConnectChecksPassword(t *testing.T) {
	d := New()
	d.SetPassword("C0FFEE42")

	if err := d.Connect(DefaultPassword); !errors.Is(err, sensor.ErrWrongPassword) {
		t.Fatalf("Connect(default) error = %v, want ErrWrongPassword", err)
	}
	if d.Connected() {
		t.Error("Connected() = true after a rejected password")
	}
	if err := d.Connect("c0ffee42"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if !d.Connected() {
		t.Error("Connected() = false after a matching password")
	}
}

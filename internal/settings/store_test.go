package settings

import (
	"database/sql"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nugget/fingerprint-doorbell/internal/pairing"
	"github.com/nugget/fingerprint-doorbell/internal/sensor"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("ns", "missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.setAll("ns", map[string]string{"key": "v1"}); err != nil {
		t.Fatalf("setAll(v1) error: %v", err)
	}
	if err := s.setAll("ns", map[string]string{"key": "v2"}); err != nil {
		t.Fatalf("setAll(v2) error: %v", err)
	}
	val, err := s.Get("ns", "key")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "v2" {
		t.Errorf("Get() = %q, want %q after upsert", val, "v2")
	}
}

func TestDefaults(t *testing.T) {
	s := testStore(t)

	w, err := s.WiFi()
	if err != nil {
		t.Fatalf("WiFi() error: %v", err)
	}
	if w.Hostname != DefaultHostname || !w.DHCP || w.SSID != "" {
		t.Errorf("WiFi() defaults = %+v", w)
	}

	a, err := s.App()
	if err != nil {
		t.Fatalf("App() error: %v", err)
	}
	if a.MQTTPort != 1883 || a.MQTTRootTopic != "fingerprintDoorbell" || a.SensorPin != "00000000" {
		t.Errorf("App() defaults = %+v", a)
	}

	c, err := s.Colors()
	if err != nil {
		t.Fatalf("Colors() error: %v", err)
	}
	if c != sensor.DefaultColors() {
		t.Errorf("Colors() = %+v, want defaults", c)
	}

	wp, err := s.WebPage()
	if err != nil {
		t.Fatalf("WebPage() error: %v", err)
	}
	if !wp.Verify("admin", "admin") {
		t.Error("factory credentials admin/admin rejected")
	}
}

func TestIsConfigured(t *testing.T) {
	s := testStore(t)
	if s.IsConfigured() {
		t.Fatal("IsConfigured() = true on empty store")
	}
	if err := s.SaveWiFi(WiFi{SSID: "home", Password: "secret", DHCP: true}); err != nil {
		t.Fatalf("SaveWiFi() error: %v", err)
	}
	if !s.IsConfigured() {
		t.Error("IsConfigured() = false after saving an SSID")
	}
}

func TestMaskedPasswordKeepsSecret(t *testing.T) {
	s := testStore(t)
	if err := s.SaveWiFi(WiFi{SSID: "home", Password: "secret"}); err != nil {
		t.Fatalf("SaveWiFi() error: %v", err)
	}
	if err := s.SaveApp(App{MQTTServer: "broker", MQTTPassword: "mqttpw"}); err != nil {
		t.Fatalf("SaveApp() error: %v", err)
	}

	w, _ := s.WiFi()
	if got := w.Masked().Password; got != Mask {
		t.Errorf("Masked().Password = %q", got)
	}
	w = w.Masked()
	w.SSID = "other"
	if err := s.SaveWiFi(w); err != nil {
		t.Fatalf("SaveWiFi(masked) error: %v", err)
	}
	a, _ := s.App()
	if err := s.SaveApp(a.Masked()); err != nil {
		t.Fatalf("SaveApp(masked) error: %v", err)
	}

	w, _ = s.WiFi()
	if w.SSID != "other" || w.Password != "secret" {
		t.Errorf("WiFi after masked save = %+v", w)
	}
	a, _ = s.App()
	if a.MQTTPassword != "mqttpw" {
		t.Errorf("MQTTPassword after masked save = %q", a.MQTTPassword)
	}
}

func TestSaveAppKeepsPairing(t *testing.T) {
	s := testStore(t)
	if err := s.SavePairing(pairing.Record{Code: "ABC123", Valid: true}); err != nil {
		t.Fatalf("SavePairing() error: %v", err)
	}
	if err := s.SaveApp(App{MQTTServer: "broker", MQTTPort: 1884}); err != nil {
		t.Fatalf("SaveApp() error: %v", err)
	}

	rec, err := s.LoadPairing()
	if err != nil {
		t.Fatalf("LoadPairing() error: %v", err)
	}
	if rec != (pairing.Record{Code: "ABC123", Valid: true}) {
		t.Errorf("LoadPairing() = %+v", rec)
	}
}

func TestWebPagePassword(t *testing.T) {
	s := testStore(t)
	wp, _ := s.WebPage()
	wp.Username = "operator"
	if err := wp.SetPassword("hunter2"); err != nil {
		t.Fatalf("SetPassword() error: %v", err)
	}
	if err := s.SaveWebPage(wp); err != nil {
		t.Fatalf("SaveWebPage() error: %v", err)
	}

	got, _ := s.WebPage()
	tests := []struct {
		user, pass string
		want       bool
	}{
		{"operator", "hunter2", true},
		{"operator", "admin", false},
		{"admin", "hunter2", false},
	}
	for _, tt := range tests {
		if ok := got.Verify(tt.user, tt.pass); ok != tt.want {
			t.Errorf("Verify(%q, %q) = %v, want %v", tt.user, tt.pass, ok, tt.want)
		}
	}
}

func TestDeleteSections(t *testing.T) {
	s := testStore(t)
	_ = s.SaveWiFi(WiFi{SSID: "home"})
	_ = s.SaveColors(sensor.Colors{ActiveColor: 5})
	_ = s.SavePairing(pairing.Record{Code: "ABC123", Valid: true})

	if err := s.deleteNamespace(NamespaceColors); err != nil {
		t.Fatalf("deleteNamespace() error: %v", err)
	}
	if c, _ := s.Colors(); c != sensor.DefaultColors() {
		t.Errorf("Colors() after delete = %+v, want defaults", c)
	}
	if !s.IsConfigured() {
		t.Error("deleting colors removed WiFi settings")
	}

	if err := s.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll() error: %v", err)
	}
	if s.IsConfigured() {
		t.Error("IsConfigured() = true after DeleteAll")
	}
	if rec, _ := s.LoadPairing(); rec.Paired() {
		t.Errorf("pairing survived DeleteAll: %+v", rec)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	s := testStore(t)
	_ = s.setAll("alpha", map[string]string{"key": "a"})
	_ = s.setAll("beta", map[string]string{"key": "b"})

	m, err := s.List("alpha")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(m) != 1 || m["key"] != "a" {
		t.Errorf("List(alpha) = %v", m)
	}
}

func TestDeleteAllReportsEachSection(t *testing.T) {
	s := testStore(t)
	_ = s.SaveWiFi(WiFi{SSID: "home"})
	if err := s.db.Close(); err != nil {
		t.Fatal(err)
	}

	err := s.DeleteAll()
	if err == nil {
		t.Fatal("DeleteAll() on closed database succeeded")
	}
	var got []string
	for _, e := range err.(interface{ Unwrap() []error }).Unwrap() {
		var se *SectionError
		if !errors.As(e, &se) {
			t.Fatalf("error %v is not a *SectionError", e)
		}
		got = append(got, se.Namespace)
	}
	if !slices.Equal(got, Sections) {
		t.Errorf("failed sections = %v, want %v", got, Sections)
	}
}

package settings

import (
	"fmt"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/fingerprint-doorbell/internal/pairing"
	"github.com/nugget/fingerprint-doorbell/internal/sensor"
)

// Mask replaces secrets when settings are shown to an operator. A
// masked value sent back on save keeps the stored secret.
const Mask = "********"

// Defaults for a fresh device.
const (
	DefaultHostname  = "FingerprintDoorbell"
	DefaultMQTTPort  = 1883
	DefaultRootTopic = "fingerprintDoorbell"
	DefaultNTPServer = "pool.ntp.org"
	DefaultSensorPin = "00000000"
	DefaultUsername  = "admin"
	DefaultPassword  = "admin"
	DefaultRealm     = "FingerprintDoorbell"
)

// WiFi holds the station credentials and addressing.
type WiFi struct {
	SSID       string `json:"ssid"`
	Password   string `json:"password"`
	Hostname   string `json:"hostname"`
	DHCP       bool   `json:"dhcp"`
	LocalIP    string `json:"local_ip"`
	Gateway    string `json:"gateway"`
	SubnetMask string `json:"subnet_mask"`
	DNS0       string `json:"dns0"`
	DNS1       string `json:"dns1"`
}

// Masked returns a copy safe to show an operator.
func (w WiFi) Masked() WiFi {
	if w.Password != "" {
		w.Password = Mask
	}
	return w
}

// App holds the broker connection and sensor settings.
type App struct {
	MQTTServer    string `json:"mqtt_server"`
	MQTTPort      int    `json:"mqtt_port"`
	MQTTUsername  string `json:"mqtt_username"`
	MQTTPassword  string `json:"mqtt_password"`
	MQTTRootTopic string `json:"mqtt_root_topic"`
	NTPServer     string `json:"ntp_server"`
	SensorPin     string `json:"sensor_pin"`
}

// Masked returns a copy safe to show an operator.
func (a App) Masked() App {
	if a.MQTTPassword != "" {
		a.MQTTPassword = Mask
	}
	return a
}

// WebPage holds the admin credentials. Only a bcrypt hash of the
// password is stored; an empty hash means the factory default password.
type WebPage struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Realm        string `json:"realm"`
}

// Verify checks a username/password pair.
func (w WebPage) Verify(username, password string) bool {
	if username != w.Username {
		return false
	}
	if w.PasswordHash == "" {
		return password == DefaultPassword
	}
	return bcrypt.CompareHashAndPassword([]byte(w.PasswordHash), []byte(password)) == nil
}

// SetPassword stores a hash of password.
func (w *WebPage) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	w.PasswordHash = string(hash)
	return nil
}

// Pairing keys live in the app namespace so a factory reset of the
// broker settings also forgets the sensor.
const (
	keyPairingCode  = "sensor_pairing_code"
	keyPairingValid = "sensor_pairing_valid"
)

// WiFi loads the WiFi section, filling defaults for missing keys.
func (s *Store) WiFi() (WiFi, error) {
	m, err := s.List(NamespaceWiFi)
	if err != nil {
		return WiFi{}, err
	}
	return WiFi{
		SSID:       m["ssid"],
		Password:   m["password"],
		Hostname:   stringOr(m, "hostname", DefaultHostname),
		DHCP:       boolOr(m, "dhcp", true),
		LocalIP:    m["local_ip"],
		Gateway:    m["gateway"],
		SubnetMask: m["subnet_mask"],
		DNS0:       m["dns0"],
		DNS1:       m["dns1"],
	}, nil
}

// SaveWiFi stores the WiFi section. A masked password keeps the stored
// one.
func (s *Store) SaveWiFi(w WiFi) error {
	if w.Password == Mask {
		old, err := s.Get(NamespaceWiFi, "password")
		if err != nil {
			return err
		}
		w.Password = old
	}
	return s.setAll(NamespaceWiFi, map[string]string{
		"ssid":        w.SSID,
		"password":    w.Password,
		"hostname":    w.Hostname,
		"dhcp":        strconv.FormatBool(w.DHCP),
		"local_ip":    w.LocalIP,
		"gateway":     w.Gateway,
		"subnet_mask": w.SubnetMask,
		"dns0":        w.DNS0,
		"dns1":        w.DNS1,
	})
}

// IsConfigured reports whether WiFi credentials are stored. A storage
// error counts as unconfigured, which sends the device into network
// configuration where the operator can fix it.
func (s *Store) IsConfigured() bool {
	ssid, err := s.Get(NamespaceWiFi, "ssid")
	return err == nil && ssid != ""
}

// App loads the app section.
func (s *Store) App() (App, error) {
	m, err := s.List(NamespaceApp)
	if err != nil {
		return App{}, err
	}
	return App{
		MQTTServer:    m["mqtt_server"],
		MQTTPort:      intOr(m, "mqtt_port", DefaultMQTTPort),
		MQTTUsername:  m["mqtt_username"],
		MQTTPassword:  m["mqtt_password"],
		MQTTRootTopic: stringOr(m, "mqtt_root_topic", DefaultRootTopic),
		NTPServer:     presentOr(m, "ntp_server", DefaultNTPServer),
		SensorPin:     stringOr(m, "sensor_pin", DefaultSensorPin),
	}, nil
}

// SaveApp stores the app section. The pairing record is not touched.
func (s *Store) SaveApp(a App) error {
	if a.MQTTPassword == Mask {
		old, err := s.Get(NamespaceApp, "mqtt_password")
		if err != nil {
			return err
		}
		a.MQTTPassword = old
	}
	return s.setAll(NamespaceApp, map[string]string{
		"mqtt_server":     a.MQTTServer,
		"mqtt_port":       strconv.Itoa(a.MQTTPort),
		"mqtt_username":   a.MQTTUsername,
		"mqtt_password":   a.MQTTPassword,
		"mqtt_root_topic": a.MQTTRootTopic,
		"ntp_server":      a.NTPServer,
		"sensor_pin":      a.SensorPin,
	})
}

// Colors loads the LED color section.
func (s *Store) Colors() (sensor.Colors, error) {
	m, err := s.List(NamespaceColors)
	if err != nil {
		return sensor.Colors{}, err
	}
	d := sensor.DefaultColors()
	return sensor.Colors{
		ActiveColor:    intOr(m, "active_color", d.ActiveColor),
		ActiveSequence: intOr(m, "active_sequence", d.ActiveSequence),
		ScanColor:      intOr(m, "scan_color", d.ScanColor),
		MatchColor:     intOr(m, "match_color", d.MatchColor),
	}, nil
}

// SaveColors stores the LED color section.
func (s *Store) SaveColors(c sensor.Colors) error {
	return s.setAll(NamespaceColors, map[string]string{
		"active_color":    strconv.Itoa(c.ActiveColor),
		"active_sequence": strconv.Itoa(c.ActiveSequence),
		"scan_color":      strconv.Itoa(c.ScanColor),
		"match_color":     strconv.Itoa(c.MatchColor),
	})
}

// WebPage loads the admin credentials.
func (s *Store) WebPage() (WebPage, error) {
	m, err := s.List(NamespaceWebPage)
	if err != nil {
		return WebPage{}, err
	}
	return WebPage{
		Username:     stringOr(m, "username", DefaultUsername),
		PasswordHash: m["password_hash"],
		Realm:        stringOr(m, "realm", DefaultRealm),
	}, nil
}

// SaveWebPage stores the admin credentials.
func (s *Store) SaveWebPage(w WebPage) error {
	return s.setAll(NamespaceWebPage, map[string]string{
		"username":      w.Username,
		"password_hash": w.PasswordHash,
		"realm":         w.Realm,
	})
}

// LoadPairing implements pairing.Store.
func (s *Store) LoadPairing() (pairing.Record, error) {
	code, err := s.Get(NamespaceApp, keyPairingCode)
	if err != nil {
		return pairing.Record{}, err
	}
	valid, err := s.Get(NamespaceApp, keyPairingValid)
	if err != nil {
		return pairing.Record{}, err
	}
	return pairing.Record{Code: code, Valid: valid == "true"}, nil
}

// SavePairing implements pairing.Store.
func (s *Store) SavePairing(r pairing.Record) error {
	return s.setAll(NamespaceApp, map[string]string{
		keyPairingCode:  r.Code,
		keyPairingValid: strconv.FormatBool(r.Valid),
	})
}

// presentOr is like stringOr but keeps an empty value that was stored
// on purpose.
func presentOr(m map[string]string, key, fallback string) string {
	if v, ok := m[key]; ok {
		return v
	}
	return fallback
}

func stringOr(m map[string]string, key, fallback string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return fallback
}

func intOr(m map[string]string, key string, fallback int) int {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolOr(m map[string]string, key string, fallback bool) bool {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Package connectivity supervises the device's two links: the local
// network (WiFi) and the broker session.
//
// The supervisor never blocks the scheduler for more than one bounded
// attempt per call. Network bring-up waits up to a fixed number of
// one-second polls once at boot; after that both links are retried on
// a fixed cadence from Service, which the scheduler calls every tick.
// A broker that rejects the credentials latches the broker as
// misconfigured: no further attempts are made until the settings
// change.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// ErrNotConnected is returned by Publish while no broker session is up.
var ErrNotConnected = errors.New("broker not connected")

// Defaults for the retry cadence and bring-up bound. A broker connect
// runs on the scheduler tick, so DefaultConnectTimeout stays below the
// maintenance handshake wait.
const (
	DefaultRetryInterval   = 30 * time.Second
	DefaultBringUpAttempts = 30
	DefaultBringUpPoll     = time.Second
	DefaultConnectTimeout  = 3 * time.Second
)

// Telemetry suffixes published under the root topic.
const (
	TopicRing            = "ring"
	TopicMatchID         = "matchId"
	TopicMatchName       = "matchName"
	TopicMatchConfidence = "matchConfidence"
	TopicLastLogMessage  = "lastLogMessage"
	TopicIgnoreTouchRing = "ignoreTouchRing"
)

// WillPayload is delivered by the broker when the session drops
// without a clean disconnect.
const WillPayload = "FingerprintDoorbell disconnected unexpectedly"

// Credentials join a wireless network.
type Credentials struct {
	SSID     string
	Password string
	Hostname string
}

// StaticAddress is a manual IPv4 configuration. Empty or 0.0.0.0
// fields count as unset.
type StaticAddress struct {
	Local   string
	Gateway string
	Mask    string
	DNS0    string
	DNS1    string
}

// Complete reports whether every field holds a usable address.
func (a StaticAddress) Complete() bool {
	for _, s := range []string{a.Local, a.Gateway, a.Mask, a.DNS0, a.DNS1} {
		addr, err := netip.ParseAddr(s)
		if err != nil || addr.IsUnspecified() {
			return false
		}
	}
	return true
}

// PrefixLen converts the dotted subnet mask to a prefix length.
func (a StaticAddress) PrefixLen() (int, error) {
	addr, err := netip.ParseAddr(a.Mask)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("invalid subnet mask %q", a.Mask)
	}
	b := addr.As4()
	bits := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	n := 0
	for bits&0x80000000 != 0 {
		n++
		bits <<= 1
	}
	if bits != 0 {
		return 0, fmt.Errorf("non-contiguous subnet mask %q", a.Mask)
	}
	return n, nil
}

// Link is the local network interface.
type Link interface {
	// Join starts associating with the network. It may return before
	// the link is up.
	Join(ctx context.Context, creds Credentials) error
	// Up reports whether the link is connected.
	Up(ctx context.Context) bool
	// Reconnect makes one attempt to re-establish a dropped link.
	Reconnect(ctx context.Context) error
	// ApplyStatic replaces DHCP with a manual configuration. On error
	// the link is left on DHCP.
	ApplyStatic(ctx context.Context, addr StaticAddress) error
	// ApplyDHCP undoes an earlier ApplyStatic.
	ApplyDHCP(ctx context.Context) error
}

// BrokerSettings is the operator-supplied broker configuration.
type BrokerSettings struct {
	Server    string
	Port      int
	Username  string
	Password  string
	RootTopic string
	ClientID  string
}

// Topic joins the root topic and a suffix.
func (s BrokerSettings) Topic(suffix string) string {
	return s.RootTopic + "/" + suffix
}

// SessionOptions is everything a Broker needs to open a session.
type SessionOptions struct {
	Server   string
	Port     int
	ClientID string
	// Username and Password are sent only when both are set.
	Username string
	Password string

	WillTopic   string
	WillPayload string

	// Subscriptions are (re)established on every connect.
	Subscriptions []string
	// OnMessage receives inbound publishes. It may be called from a
	// goroutine owned by the broker client.
	OnMessage func(topic string, payload []byte)
}

// Broker opens broker sessions.
type Broker interface {
	Connect(ctx context.Context, opts SessionOptions) (Session, error)
}

// Session is an established broker connection.
type Session interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Connected() bool
	Disconnect(ctx context.Context) error
}

// RefusedError is a connection refusal carrying the broker's return
// code.
type RefusedError struct {
	Code   byte
	Reason string
}

func (e *RefusedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection refused (rc=%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("connection refused (rc=%d)", e.Code)
}

// IsAuthRejection reports whether a return code means the broker will
// keep refusing these credentials: MQTT 3.1.1 codes 4 (bad user name or
// password) and 5 (not authorized), and MQTT 5 reason codes 0x86, 0x87
// and 0x8C.
func IsAuthRejection(code byte) bool {
	switch code {
	case 4, 5, 0x86, 0x87, 0x8C:
		return true
	}
	return false
}

// State is a snapshot of both links.
type State struct {
	WiFiConnected     bool      `json:"wifi_connected"`
	BrokerConnected   bool      `json:"broker_connected"`
	BrokerConfigValid bool      `json:"broker_config_valid"`
	LastWiFiRetryAt   time.Time `json:"last_wifi_retry_at,omitzero"`
	LastBrokerRetryAt time.Time `json:"last_broker_retry_at,omitzero"`
	LastBrokerError   string    `json:"last_broker_error,omitempty"`
}

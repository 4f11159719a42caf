package mqtt

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
)

func TestConnectPacketCredentials(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		pass     string
		wantFlag bool
	}{
		{"both", "user", "pw", true},
		{"user only", "user", "", false},
		{"neither", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := connectPacket(connectivity.SessionOptions{
				ClientID: "frontdoor",
				Username: tt.user,
				Password: tt.pass,
			}, DefaultKeepAlive)
			if cp.UsernameFlag != tt.wantFlag || cp.PasswordFlag != tt.wantFlag {
				t.Errorf("flags = %v/%v, want %v", cp.UsernameFlag, cp.PasswordFlag, tt.wantFlag)
			}
			if !cp.CleanStart || cp.ClientID != "frontdoor" {
				t.Errorf("CONNECT = %+v", cp)
			}
		})
	}
}

func TestConnectPacketWill(t *testing.T) {
	cp := connectPacket(connectivity.SessionOptions{
		WillTopic:   "fingerprintDoorbell/lastLogMessage",
		WillPayload: connectivity.WillPayload,
	}, DefaultKeepAlive)
	w := cp.WillMessage
	if w == nil {
		t.Fatal("no will message")
	}
	if w.Topic != "fingerprintDoorbell/lastLogMessage" || string(w.Payload) != connectivity.WillPayload {
		t.Errorf("will = %q/%q", w.Topic, w.Payload)
	}
	if w.QoS != 1 || w.Retain {
		t.Errorf("will QoS=%d retain=%v, want 1/false", w.QoS, w.Retain)
	}
}

func TestRefusal(t *testing.T) {
	err := refusal(&paho.Connack{
		ReasonCode: 0x86,
		Properties: &paho.ConnackProperties{ReasonString: "bad user name or password"},
	})
	var refused *connectivity.RefusedError
	if !errors.As(err, &refused) {
		t.Fatalf("refusal() = %T, want *connectivity.RefusedError", err)
	}
	if refused.Code != 0x86 || refused.Reason != "bad user name or password" {
		t.Errorf("refused = %+v", refused)
	}
	if !connectivity.IsAuthRejection(refused.Code) {
		t.Error("0x86 not classified as authentication rejection")
	}
}

// TestConnectRefusedByBroker drives the dialer against an in-memory
// broker that answers CONNECT with "not authorized".
func TestConnectRefusedByBroker(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	seen := make(chan *packets.Connect, 1)
	go func() {
		cp, err := packets.ReadPacket(server)
		if err != nil {
			return
		}
		if c, ok := cp.Content.(*packets.Connect); ok {
			seen <- c
		}
		ack := packets.NewControlPacket(packets.CONNACK)
		ack.Content.(*packets.Connack).ReasonCode = 0x87
		_, _ = ack.WriteTo(server)
	}()

	d := NewDialer(false, nil)
	d.dial = func(context.Context, string, string) (net.Conn, error) { return client, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Connect(ctx, connectivity.SessionOptions{
		Server:      "broker.lan",
		Port:        1883,
		ClientID:    "frontdoor",
		WillTopic:   "root/lastLogMessage",
		WillPayload: connectivity.WillPayload,
	})

	var refused *connectivity.RefusedError
	if !errors.As(err, &refused) || refused.Code != 0x87 {
		t.Fatalf("Connect() error = %v, want refusal 0x87", err)
	}

	select {
	case c := <-seen:
		if c.ClientID != "frontdoor" || c.WillTopic != "root/lastLogMessage" {
			t.Errorf("CONNECT client=%q will=%q", c.ClientID, c.WillTopic)
		}
	case <-time.After(time.Second):
		t.Error("broker never saw CONNECT")
	}
}

// fakeBroker accepts CONNECT, answers every SUBSCRIBE with subReason
// followed by one PUBLISH to inbound, and forwards the packets it reads
// to seen until the connection closes.
func fakeBroker(conn net.Conn, subReason byte, inbound string, seen chan<- *packets.ControlPacket) {
	defer close(seen)
	for {
		cp, err := packets.ReadPacket(conn)
		if err != nil {
			return
		}
		switch c := cp.Content.(type) {
		case *packets.Connect:
			ack := packets.NewControlPacket(packets.CONNACK)
			if _, err := ack.WriteTo(conn); err != nil {
				return
			}
		case *packets.Subscribe:
			ack := packets.NewControlPacket(packets.SUBACK)
			sa := ack.Content.(*packets.Suback)
			sa.PacketID = c.PacketID
			for range c.Subscriptions {
				sa.Reasons = append(sa.Reasons, subReason)
			}
			if _, err := ack.WriteTo(conn); err != nil {
				return
			}
			if subReason < 0x80 {
				pub := packets.NewControlPacket(packets.PUBLISH)
				p := pub.Content.(*packets.Publish)
				p.Topic = inbound
				p.Payload = []byte("on")
				if _, err := pub.WriteTo(conn); err != nil {
					return
				}
			}
		}
		seen <- cp
	}
}

func TestSessionTracesTraffic(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	seen := make(chan *packets.ControlPacket, 8)
	go fakeBroker(server, 0x01, "frontdoor/ignoreTouchRing", seen)

	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelTrace}))
	d := NewDialer(false, logger)
	d.dial = func(context.Context, string, string) (net.Conn, error) { return client, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan string, 1)
	s, err := d.Connect(ctx, connectivity.SessionOptions{
		Server:        "broker.lan",
		Port:          1883,
		ClientID:      "frontdoor",
		Subscriptions: []string{"frontdoor/ignoreTouchRing"},
		OnMessage: func(topic string, payload []byte) {
			received <- topic + "=" + string(payload)
		},
	})
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer s.Disconnect(ctx)

	select {
	case got := <-received:
		if got != "frontdoor/ignoreTouchRing=on" {
			t.Errorf("OnMessage got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound publish never delivered")
	}

	if err := s.Publish(ctx, "frontdoor/matchId", []byte("3"), false); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	deadline := time.After(2 * time.Second)
	for published := false; !published; {
		select {
		case cp := <-seen:
			if p, ok := cp.Content.(*packets.Publish); ok && p.Topic == "frontdoor/matchId" {
				published = true
			}
		case <-deadline:
			t.Fatal("broker never saw PUBLISH")
		}
	}

	out := buf.String()
	for _, want := range []string{
		`msg="mqtt receive" broker=broker.lan:1883 topic=frontdoor/ignoreTouchRing payload=on`,
		`msg="mqtt publish" broker=broker.lan:1883 topic=frontdoor/matchId qos=0 retain=false payload=3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q\n%s", want, out)
		}
	}
}

func TestConnectSubscribeRejected(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	seen := make(chan *packets.ControlPacket, 8)
	go fakeBroker(server, 0x87, "", seen)

	d := NewDialer(false, nil)
	d.dial = func(context.Context, string, string) (net.Conn, error) { return client, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := d.Connect(ctx, connectivity.SessionOptions{
		Server:        "broker.lan",
		Port:          1883,
		ClientID:      "frontdoor",
		Subscriptions: []string{"frontdoor/deleteAll"},
	})
	if err == nil || !strings.Contains(err.Error(), "mqtt subscribe") {
		t.Fatalf("Connect() = %v, %v; want subscribe error", s, err)
	}

	// The half-open session is torn down with DISCONNECT.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case cp, ok := <-seen:
			if !ok {
				t.Fatal("connection closed without DISCONNECT")
			}
			if cp.Type == packets.DISCONNECT {
				return
			}
		case <-deadline:
			t.Fatal("broker never saw DISCONNECT")
		}
	}
}

// syncBuffer is a bytes.Buffer safe for the paho reader goroutine and
// the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

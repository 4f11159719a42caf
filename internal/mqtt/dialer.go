package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
)

// levelTrace matches config.LevelTrace. Packet payloads are logged at
// this level only.
const levelTrace = slog.Level(-8)

// DefaultKeepAlive is the keep-alive interval sent in CONNECT, in
// seconds.
const DefaultKeepAlive = 30

// Dialer opens paho sessions. It implements connectivity.Broker.
type Dialer struct {
	// TLS enables TLS when non-nil.
	TLS       *tls.Config
	KeepAlive uint16
	Logger    *slog.Logger

	// dial is replaced in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns a plain TCP dialer, or a TLS dialer when useTLS is
// set.
func NewDialer(useTLS bool, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dialer{KeepAlive: DefaultKeepAlive, Logger: logger}
	if useTLS {
		d.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return d
}

func (d *Dialer) dialConn(ctx context.Context, addr string) (net.Conn, error) {
	if d.dial != nil {
		return d.dial(ctx, "tcp", addr)
	}
	if d.TLS != nil {
		td := &tls.Dialer{Config: d.TLS}
		return td.DialContext(ctx, "tcp", addr)
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", addr)
}

// Connect dials the broker, sends CONNECT with the will message, and
// subscribes to every requested topic at QoS 1.
func (d *Dialer) Connect(ctx context.Context, opts connectivity.SessionOptions) (connectivity.Session, error) {
	addr := net.JoinHostPort(opts.Server, strconv.Itoa(opts.Port))
	conn, err := d.dialConn(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	s := &session{logger: d.Logger.With("broker", addr)}
	s.client = paho.NewClient(paho.ClientConfig{
		ClientID: opts.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if pr.Packet == nil {
					return true, nil
				}
				s.logger.Log(context.Background(), levelTrace, "mqtt receive",
					"topic", pr.Packet.Topic, "payload", string(pr.Packet.Payload))
				if opts.OnMessage != nil {
					opts.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
				}
				return true, nil
			},
		},
		OnClientError: func(err error) {
			s.lost("client error", err)
		},
		OnServerDisconnect: func(dc *paho.Disconnect) {
			s.lost("server disconnect", fmt.Errorf("reason code %d", dc.ReasonCode))
		},
	})

	cp := connectPacket(opts, d.KeepAlive)
	ca, err := s.client.Connect(ctx, cp)
	if ca != nil && ca.ReasonCode >= 0x80 {
		conn.Close()
		return nil, refusal(ca)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	s.connected.Store(true)

	if len(opts.Subscriptions) > 0 {
		sub := &paho.Subscribe{}
		for _, topic := range opts.Subscriptions {
			sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{Topic: topic, QoS: 1})
		}
		if _, err := s.client.Subscribe(ctx, sub); err != nil {
			if derr := s.Disconnect(ctx); derr != nil {
				s.logger.Debug("disconnect after failed subscribe", "error", derr)
			}
			return nil, fmt.Errorf("mqtt subscribe: %w", err)
		}
	}
	return s, nil
}

// connectPacket builds CONNECT. Credentials are sent only when both
// are present.
func connectPacket(opts connectivity.SessionOptions, keepAlive uint16) *paho.Connect {
	cp := &paho.Connect{
		KeepAlive:  keepAlive,
		ClientID:   opts.ClientID,
		CleanStart: true,
	}
	if opts.Username != "" && opts.Password != "" {
		cp.Username = opts.Username
		cp.UsernameFlag = true
		cp.Password = []byte(opts.Password)
		cp.PasswordFlag = true
	}
	if opts.WillTopic != "" {
		cp.WillMessage = &paho.WillMessage{
			Topic:   opts.WillTopic,
			Payload: []byte(opts.WillPayload),
			QoS:     1,
			Retain:  false,
		}
	}
	return cp
}

func refusal(ca *paho.Connack) error {
	e := &connectivity.RefusedError{Code: ca.ReasonCode}
	if ca.Properties != nil {
		e.Reason = ca.Properties.ReasonString
	}
	return e
}

type session struct {
	client    *paho.Client
	connected atomic.Bool
	logger    *slog.Logger
}

func (s *session) lost(what string, err error) {
	if s.connected.Swap(false) {
		s.logger.Warn("mqtt session lost", "cause", what, "error", err)
	}
}

// Publish sends telemetry at QoS 0 and retained configuration at
// QoS 1.
func (s *session) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if !s.connected.Load() {
		return connectivity.ErrNotConnected
	}
	var qos byte
	if retain {
		qos = 1
	}
	s.logger.Log(ctx, levelTrace, "mqtt publish",
		"topic", topic, "qos", qos, "retain", retain, "payload", string(payload))
	_, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	})
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			s.lost("publish", err)
		}
		return err
	}
	return nil
}

func (s *session) Connected() bool {
	return s.connected.Load()
}

// Disconnect sends DISCONNECT with reason 0, which tells the broker to
// discard the will message.
func (s *session) Disconnect(context.Context) error {
	if !s.connected.Swap(false) {
		return nil
	}
	return s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nugget/fingerprint-doorbell/internal/events"
	"github.com/nugget/fingerprint-doorbell/internal/metrics"
	"github.com/nugget/fingerprint-doorbell/internal/timing"
)

// Operator-facing status lines.
const (
	msgNoBroker      = "Error: No MQTT Broker is configured! Please go to settings and enter your server URL + user credentials."
	msgAuthRejected  = "Failed to connect to MQTT Server: bad credentials or not authorized. Will not try again, please check your settings."
	msgStaticOK      = "Static IP address settings were activated."
	msgStaticFailed  = "Static IP address settings could not be activated. DHCP is used instead."
	msgStaticPartial = "Static IP address settings are incomplete. DHCP is used instead."
	msgWiFiLost      = "WiFi connection lost. Reconnecting every %d seconds."
	msgBrokerLost    = "Connection to MQTT Server lost. Reconnecting every %d seconds."
)

// Notifier receives operator-facing status lines.
type Notifier interface {
	Notify(msg string)
}

// Config wires a Supervisor. Zero durations and counts take defaults.
type Config struct {
	Link    Link
	Broker  Broker
	Log     Notifier
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Clock   timing.Clock
	Logger  *slog.Logger

	// Resolve checks that the broker host name resolves. Defaults to
	// the system resolver; IP literals always pass.
	Resolve func(ctx context.Context, host string) error

	RetryInterval   time.Duration
	BringUpAttempts int
	BringUpPoll     time.Duration
	ConnectTimeout  time.Duration
}

// Supervisor owns the WiFi link and the broker session.
//
// BringUp, ConfigureBroker and Service are called by the scheduler
// goroutine only. Publish, Snapshot and SettingsChanged are safe from
// any goroutine.
type Supervisor struct {
	cfg Config

	// scheduler-owned
	settings    BrokerSettings
	downSince   time.Time
	lastFailure string

	mu    sync.Mutex
	state State

	sessMu  sync.RWMutex
	session Session
	root    string

	handlersMu sync.RWMutex
	handlers   map[string]func(payload string)
	onConnect  []func(ctx context.Context, s BrokerSettings)

	pending atomic.Pointer[BrokerSettings]
}

// New returns a Supervisor with both links down.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = timing.Real()
	}
	if cfg.Resolve == nil {
		cfg.Resolve = lookupHost
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.BringUpAttempts <= 0 {
		cfg.BringUpAttempts = DefaultBringUpAttempts
	}
	if cfg.BringUpPoll <= 0 {
		cfg.BringUpPoll = DefaultBringUpPoll
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Supervisor{
		cfg:      cfg,
		handlers: make(map[string]func(string)),
	}
}

// Handle routes inbound messages on <root>/<suffix> to fn. Handlers
// must be registered before the first connect.
func (s *Supervisor) Handle(suffix string, fn func(payload string)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[suffix] = fn
}

// OnConnect registers a hook run after every successful broker
// connect, on the scheduler goroutine.
func (s *Supervisor) OnConnect(fn func(ctx context.Context, settings BrokerSettings)) {
	s.onConnect = append(s.onConnect, fn)
}

// Snapshot returns the current link state.
func (s *Supervisor) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) update(fn func(st *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// BringUp joins the network and waits a bounded number of polls for the
// link to come up, then applies static addressing when DHCP is off. It
// returns false when the link did not come up; the caller carries on in
// degraded operation and Service keeps retrying.
func (s *Supervisor) BringUp(ctx context.Context, creds Credentials, dhcp bool, static StaticAddress) bool {
	log := s.cfg.Logger
	if err := s.cfg.Link.Join(ctx, creds); err != nil {
		log.Warn("wifi join failed", "ssid", creds.SSID, "error", err)
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.BringUpPoll), uint64(s.cfg.BringUpAttempts))
	attempts := 0
	for !s.cfg.Link.Up(ctx) {
		attempts++
		wait := policy.NextBackOff()
		if wait == backoff.Stop || ctx.Err() != nil {
			now := s.cfg.Clock.Now()
			s.downSince = now
			s.update(func(st *State) { st.LastWiFiRetryAt = now })
			s.setWiFi(false)
			log.Warn("wifi bring-up gave up", "ssid", creds.SSID, "polls", attempts)
			s.cfg.Log.Notify(fmt.Sprintf("Connecting to WiFi '%s' failed. Running without network, retrying every %d seconds.",
				creds.SSID, int(s.cfg.RetryInterval/time.Second)))
			return false
		}
		log.Debug("waiting for wifi connection", "ssid", creds.SSID, "attempt", attempts)
		s.cfg.Clock.Sleep(wait)
	}
	s.setWiFi(true)
	log.Info("wifi connected", "ssid", creds.SSID, "hostname", creds.Hostname, "polls", attempts+1)

	switch {
	case dhcp:
		s.useDHCP(ctx)
	case !static.Complete():
		s.cfg.Log.Notify(msgStaticPartial)
		s.useDHCP(ctx)
	default:
		if err := s.cfg.Link.ApplyStatic(ctx, static); err != nil {
			log.Warn("static addressing failed", "local", static.Local, "error", err)
			s.cfg.Log.Notify(msgStaticFailed)
		} else {
			s.cfg.Log.Notify(msgStaticOK)
		}
	}
	return true
}

// useDHCP clears static addressing left over from an earlier boot.
func (s *Supervisor) useDHCP(ctx context.Context) {
	if err := s.cfg.Link.ApplyDHCP(ctx); err != nil {
		s.cfg.Logger.Warn("switching to dhcp failed", "error", err)
	}
}

// ConfigureBroker replaces the broker settings. An empty or
// unresolvable server marks the broker configuration invalid. Otherwise
// the authentication latch is cleared and, if the network is up, one
// connection attempt is made right away.
func (s *Supervisor) ConfigureBroker(ctx context.Context, settings BrokerSettings) {
	s.dropSession(ctx)
	s.settings = settings
	s.lastFailure = ""
	s.sessMu.Lock()
	s.root = settings.RootTopic
	s.sessMu.Unlock()

	if settings.Server == "" {
		s.update(func(st *State) { st.BrokerConfigValid = false })
		s.cfg.Log.Notify(msgNoBroker)
		return
	}

	wifiUp := s.Snapshot().WiFiConnected
	if wifiUp {
		if err := s.cfg.Resolve(ctx, settings.Server); err != nil {
			s.cfg.Logger.Warn("broker host lookup failed", "server", settings.Server, "error", err)
			s.update(func(st *State) { st.BrokerConfigValid = false })
			s.cfg.Log.Notify(fmt.Sprintf("MQTT Server '%s' not found. Please check your settings.", settings.Server))
			return
		}
	}

	s.update(func(st *State) {
		st.BrokerConfigValid = true
		st.LastBrokerError = ""
	})
	s.cfg.Logger.Info("broker configured", "server", settings.Server, "port", settings.Port, "root_topic", settings.RootTopic)
	if wifiUp {
		s.connectBroker(ctx)
	}
}

// SettingsChanged hands new broker settings to the scheduler. They take
// effect, and clear an authentication latch, on the next Service call.
func (s *Supervisor) SettingsChanged(settings BrokerSettings) {
	s.pending.Store(&settings)
}

// Service runs one supervision pass. It never blocks for more than one
// reconnect or connect attempt.
func (s *Supervisor) Service(ctx context.Context) {
	if p := s.pending.Swap(nil); p != nil {
		s.ConfigureBroker(ctx, *p)
	}

	now := s.cfg.Clock.Now()
	up := s.cfg.Link.Up(ctx)
	s.setWiFi(up)
	if up {
		s.downSince = time.Time{}
	} else {
		if s.downSince.IsZero() {
			s.downSince = now
		}
		ref := s.downSince
		if last := s.Snapshot().LastWiFiRetryAt; last.After(ref) {
			ref = last
		}
		if now.Sub(ref) >= s.cfg.RetryInterval {
			s.cfg.Logger.Info("reconnecting to wifi", "down_for", now.Sub(s.downSince).String())
			if err := s.cfg.Link.Reconnect(ctx); err != nil {
				s.cfg.Logger.Warn("wifi reconnect failed", "error", err)
			}
			s.update(func(st *State) { st.LastWiFiRetryAt = now })
		}
	}

	s.checkSession()

	st := s.Snapshot()
	if !up || !st.BrokerConfigValid || st.BrokerConnected || s.settings.Server == "" {
		return
	}
	if now.Sub(st.LastBrokerRetryAt) >= s.cfg.RetryInterval {
		s.connectBroker(ctx)
	}
}

func (s *Supervisor) connectBroker(ctx context.Context) {
	now := s.cfg.Clock.Now()
	s.update(func(st *State) { st.LastBrokerRetryAt = now })

	set := s.settings
	opts := SessionOptions{
		Server:        set.Server,
		Port:          set.Port,
		ClientID:      set.ClientID,
		WillTopic:     set.Topic(TopicLastLogMessage),
		WillPayload:   WillPayload,
		Subscriptions: s.subscriptions(set),
		OnMessage:     s.inbound,
	}
	if set.Username != "" && set.Password != "" {
		opts.Username = set.Username
		opts.Password = set.Password
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	sess, err := s.cfg.Broker.Connect(cctx, opts)
	if err != nil {
		s.brokerFailed(err)
		return
	}

	s.sessMu.Lock()
	s.session = sess
	s.sessMu.Unlock()
	s.lastFailure = ""
	s.update(func(st *State) {
		st.BrokerConnected = true
		st.LastBrokerError = ""
	})
	s.cfg.Metrics.BrokerConnect("ok")
	s.linkEdge("broker", true)
	s.cfg.Logger.Info("broker connected", "server", set.Server, "port", set.Port, "client_id", set.ClientID)

	for _, fn := range s.onConnect {
		fn(ctx, set)
	}
}

func (s *Supervisor) brokerFailed(err error) {
	s.update(func(st *State) { st.LastBrokerError = err.Error() })

	var refused *RefusedError
	if errors.As(err, &refused) && IsAuthRejection(refused.Code) {
		s.cfg.Metrics.BrokerConnect("auth_rejected")
		s.update(func(st *State) { st.BrokerConfigValid = false })
		s.cfg.Logger.Error("broker rejected credentials", "code", refused.Code, "reason", refused.Reason)
		s.cfg.Log.Notify(msgAuthRejected)
		return
	}

	secs := int(s.cfg.RetryInterval / time.Second)
	var msg string
	if refused != nil {
		s.cfg.Metrics.BrokerConnect("refused")
		msg = fmt.Sprintf("Failed to connect to MQTT Server, rc=%d, try again in %d seconds", refused.Code, secs)
	} else {
		s.cfg.Metrics.BrokerConnect("error")
		msg = fmt.Sprintf("Failed to connect to MQTT Server (%v), try again in %d seconds", err, secs)
	}
	if msg == s.lastFailure {
		s.cfg.Logger.Debug("broker connect failed again", "error", err)
		return
	}
	s.lastFailure = msg
	s.cfg.Log.Notify(msg)
}

// checkSession notices a session that dropped since the last pass.
func (s *Supervisor) checkSession() {
	s.sessMu.Lock()
	sess := s.session
	lost := sess != nil && !sess.Connected()
	if lost {
		s.session = nil
	}
	s.sessMu.Unlock()
	if !lost {
		return
	}
	s.update(func(st *State) { st.BrokerConnected = false })
	s.linkEdge("broker", false)
	s.cfg.Logger.Warn("broker connection lost", "server", s.settings.Server)
	s.cfg.Log.Notify(fmt.Sprintf(msgBrokerLost, int(s.cfg.RetryInterval/time.Second)))
}

func (s *Supervisor) dropSession(ctx context.Context) {
	s.sessMu.Lock()
	sess := s.session
	s.session = nil
	s.sessMu.Unlock()
	if sess == nil {
		return
	}
	if err := sess.Disconnect(ctx); err != nil {
		s.cfg.Logger.Debug("broker disconnect failed", "error", err)
	}
	s.update(func(st *State) { st.BrokerConnected = false })
	s.linkEdge("broker", false)
}

// Close disconnects the broker session cleanly, so the will message is
// not sent.
func (s *Supervisor) Close(ctx context.Context) {
	s.dropSession(ctx)
}

func (s *Supervisor) subscriptions(set BrokerSettings) []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	subs := make([]string, 0, len(s.handlers))
	for suffix := range s.handlers {
		subs = append(subs, set.Topic(suffix))
	}
	return subs
}

func (s *Supervisor) inbound(topic string, payload []byte) {
	s.sessMu.RLock()
	root := s.root
	s.sessMu.RUnlock()

	suffix, ok := strings.CutPrefix(topic, root+"/")
	if !ok {
		s.cfg.Logger.Debug("ignoring message outside root topic", "topic", topic)
		return
	}
	s.handlersMu.RLock()
	fn := s.handlers[suffix]
	s.handlersMu.RUnlock()
	if fn == nil {
		s.cfg.Logger.Debug("ignoring message on unrecognized topic", "topic", topic)
		return
	}
	s.cfg.Logger.Debug("inbound message", "topic", topic, "payload", string(payload))
	fn(string(payload))
}

// Publish sends payload to <root>/<suffix>, not retained.
func (s *Supervisor) Publish(ctx context.Context, suffix, payload string) error {
	s.sessMu.RLock()
	root := s.root
	s.sessMu.RUnlock()
	err := s.PublishTopic(ctx, root+"/"+suffix, []byte(payload), false)
	s.cfg.Metrics.Publish(suffix, err == nil)
	return err
}

// PublishTopic sends payload to an absolute topic.
func (s *Supervisor) PublishTopic(ctx context.Context, topic string, payload []byte, retain bool) error {
	s.sessMu.RLock()
	sess := s.session
	s.sessMu.RUnlock()
	if sess == nil || !sess.Connected() {
		return ErrNotConnected
	}
	if err := sess.Publish(ctx, topic, payload, retain); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (s *Supervisor) setWiFi(up bool) {
	var changed bool
	s.update(func(st *State) {
		changed = st.WiFiConnected != up
		st.WiFiConnected = up
	})
	if changed {
		s.linkEdge("wifi", up)
		if up {
			s.cfg.Logger.Info("wifi link up")
		} else {
			s.cfg.Logger.Warn("wifi link down")
			s.cfg.Log.Notify(fmt.Sprintf(msgWiFiLost, int(s.cfg.RetryInterval/time.Second)))
		}
	}
}

func (s *Supervisor) linkEdge(link string, up bool) {
	s.cfg.Metrics.SetLink(link, up)
	s.cfg.Bus.Emit(events.SourceConnectivity, events.KindLink, map[string]any{
		"link": link,
		"up":   up,
	})
}

func lookupHost(ctx context.Context, host string) error {
	if _, err := netip.ParseAddr(host); err == nil {
		return nil
	}
	_, err := net.DefaultResolver.LookupHost(ctx, host)
	return err
}

// Package orchestrator performs the per-tick sensor work of the
// Scanning and Enrolling modes and turns sensor outcomes into status
// lines, telemetry and the doorbell signal.
//
// Scan telemetry is edge-triggered: only a change in outcome kind from
// one tick to the next produces output, so a finger resting on the
// sensor rings once. A match reaches the broker only after the pairing
// check passes on that same edge.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
	"github.com/nugget/fingerprint-doorbell/internal/events"
	"github.com/nugget/fingerprint-doorbell/internal/metrics"
	"github.com/nugget/fingerprint-doorbell/internal/mode"
	"github.com/nugget/fingerprint-doorbell/internal/pairing"
	"github.com/nugget/fingerprint-doorbell/internal/sensor"
	"github.com/nugget/fingerprint-doorbell/internal/timing"
)

// Holds applied by the scan loop.
const (
	RingPulse    = time.Second
	NoMatchPause = time.Second
	MatchHold    = 3 * time.Second
)

// UnpairedMatchMessage is logged instead of publishing a match while
// pairing is invalid.
const UnpairedMatchMessage = "Security issue! Match was not sent by MQTT because of invalid sensor pairing! This could potentially be an attack! If the sensor is new or has been replaced by you do a (re)pairing in settings page."

// UnreadablePairingMessage is logged instead of publishing a match when
// the sensor did not return its pairing code.
const UnreadablePairingMessage = "Match was not sent by MQTT because the sensor pairing code could not be read. It will be checked again on the next match."

// EnrollSuccessMessage is logged after a template was stored.
const EnrollSuccessMessage = "Enrollment successful. You can now use your new finger for scanning."

// Publisher sends telemetry under the configured root topic.
type Publisher interface {
	Publish(ctx context.Context, suffix, payload string) error
}

// Signal is the doorbell output.
type Signal interface {
	SetSignal(on bool) error
}

// Notifier receives operator-facing status lines.
type Notifier interface {
	Notify(msg string)
	Security(msg string)
}

// PairingChecker validates the attached sensor.
type PairingChecker interface {
	Check(s pairing.Sensor) pairing.Status
}

// Config wires an Orchestrator. Log, Publisher and Pairing are
// required; the rest are optional.
type Config struct {
	Log       Notifier
	Publisher Publisher
	Pairing   PairingChecker
	Signal    Signal
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Clock     timing.Clock
	Logger    *slog.Logger
}

// Orchestrator holds the state carried between ticks. ScanTick and
// EnrollTick are called only by the scheduler; SetIgnoreTouchRing may
// be called from any goroutine.
type Orchestrator struct {
	cfg  Config
	last sensor.ScanKind

	ignoreTouch atomic.Bool
	touchDirty  atomic.Bool
}

// New returns an Orchestrator whose previous outcome is NoFinger.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = timing.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, last: sensor.NoFinger}
}

// SetIgnoreTouchRing records the touch-ring suppression flag. It is
// handed to the sensor at the start of the next scan tick, while the
// scheduler holds the lease.
func (o *Orchestrator) SetIgnoreTouchRing(ignore bool) {
	o.ignoreTouch.Store(ignore)
	o.touchDirty.Store(true)
}

// HandleIgnoreTouchRing applies an inbound "on"/"off" payload. Other
// payloads are ignored.
func (o *Orchestrator) HandleIgnoreTouchRing(payload string) {
	switch payload {
	case "on":
		o.SetIgnoreTouchRing(true)
	case "off":
		o.SetIgnoreTouchRing(false)
	default:
		o.cfg.Logger.Debug("ignoring touch ring payload", "payload", payload)
	}
}

// IgnoringTouchRing reports the current suppression flag.
func (o *Orchestrator) IgnoringTouchRing() bool {
	return o.ignoreTouch.Load()
}

// ScanTick queries the sensor once and reacts to the outcome.
func (o *Orchestrator) ScanTick(ctx context.Context, lease *mode.Lease) sensor.ScanOutcome {
	drv := lease.Sensor()
	if o.touchDirty.Swap(false) {
		drv.SetIgnoreTouchRing(o.ignoreTouch.Load())
	}

	out := drv.Scan()
	edge := out.Kind != o.last
	o.last = out.Kind
	if edge {
		o.cfg.Metrics.ScanEdge(out.Kind.String())
		o.cfg.Logger.Debug("scan edge", "outcome", out.Kind.String())
	}

	switch out.Kind {
	case sensor.NoFinger:
		if edge {
			o.publishIdle(ctx, "off")
		}

	case sensor.MatchFound:
		if edge {
			o.cfg.Log.Notify(fmt.Sprintf("Match Found: %d - %s with confidence of %d", out.ID, out.Name, out.Confidence))
			switch status := o.cfg.Pairing.Check(drv); status {
			case pairing.Valid:
				o.publish(ctx, connectivity.TopicRing, "off")
				o.publish(ctx, connectivity.TopicMatchID, strconv.Itoa(out.ID))
				o.publish(ctx, connectivity.TopicMatchName, out.Name)
				o.publish(ctx, connectivity.TopicMatchConfidence, strconv.Itoa(out.Confidence))
				o.cfg.Logger.Info("match published", "id", out.ID, "name", out.Name)
			case pairing.Unreadable:
				o.cfg.Log.Notify(UnreadablePairingMessage)
			default:
				o.cfg.Logger.Warn("match withheld", "pairing", status.String())
				o.cfg.Log.Security(UnpairedMatchMessage)
			}
		}
		o.cfg.Clock.Sleep(MatchHold)

	case sensor.NoMatchFound:
		if !edge {
			o.cfg.Clock.Sleep(NoMatchPause)
			break
		}
		o.cfg.Log.Notify(fmt.Sprintf("No Match Found (Code %d)", out.Code))
		o.signal(true)
		o.publishIdle(ctx, "on")
		o.cfg.Clock.Sleep(RingPulse)
		o.signal(false)

	case sensor.ScanError:
		if edge {
			o.cfg.Log.Notify(fmt.Sprintf("ScanResult Error (Code %d)", out.Code))
		}
	}
	return out
}

// publishIdle publishes the ring state together with the "no match"
// identity fields.
func (o *Orchestrator) publishIdle(ctx context.Context, ring string) {
	o.publish(ctx, connectivity.TopicRing, ring)
	o.publish(ctx, connectivity.TopicMatchID, "-1")
	o.publish(ctx, connectivity.TopicMatchName, "")
	o.publish(ctx, connectivity.TopicMatchConfidence, "-1")
}

func (o *Orchestrator) publish(ctx context.Context, suffix, payload string) {
	if err := o.cfg.Publisher.Publish(ctx, suffix, payload); err != nil {
		o.cfg.Logger.Debug("telemetry not published", "topic", suffix, "error", err)
	}
}

func (o *Orchestrator) signal(on bool) {
	if o.cfg.Signal == nil {
		return
	}
	if err := o.cfg.Signal.SetSignal(on); err != nil {
		o.cfg.Logger.Warn("doorbell signal failed", "on", on, "error", err)
	}
}

// EnrollTick runs one enrollment. An out-of-range slot is rejected
// without touching the sensor. It reports whether a template was
// stored; returning to Scanning is the caller's job in every case.
func (o *Orchestrator) EnrollTick(lease *mode.Lease, req sensor.EnrollRequest) bool {
	if err := req.Validate(); err != nil {
		o.cfg.Log.Notify(fmt.Sprintf("Invalid memory slot id '%d'", req.Slot))
		return false
	}

	drv := lease.Sensor()
	res := drv.Enroll(req.Slot, req.Name)
	if !res.OK {
		o.cfg.Log.Notify(fmt.Sprintf("Enrollment failed. (Code %d)", res.Code))
		return false
	}
	o.cfg.Log.Notify(EnrollSuccessMessage)
	o.PublishIdentities(drv.Identities())
	return true
}

// PublishIdentities pushes the enrolled identity list to observers.
func (o *Orchestrator) PublishIdentities(ids []sensor.Identity) {
	o.cfg.Bus.Emit(events.SourceOrchestrator, events.KindIdentities, map[string]any{
		"identities": ids,
	})
}

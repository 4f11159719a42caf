package sensor

import (
	"context"
	"log/slog"
)

const levelTrace = slog.Level(-8) // config.LevelTrace

// Traced wraps drv so every call is logged at trace level. When the
// logger drops trace records drv is returned unchanged. The access
// password and pairing codes are never logged.
func Traced(drv Driver, logger *slog.Logger) Driver {
	if logger == nil || !logger.Enabled(context.Background(), levelTrace) {
		return drv
	}
	return &traced{Driver: drv, logger: logger.With("component", "sensor")}
}

type traced struct {
	Driver
	logger *slog.Logger
}

func (t *traced) trace(msg string, args ...any) {
	t.logger.Log(context.Background(), levelTrace, msg, args...)
}

func (t *traced) Connect(password string) error {
	err := t.Driver.Connect(password)
	t.trace("sensor connect", "error", err)
	return err
}

func (t *traced) Scan() ScanOutcome {
	out := t.Driver.Scan()
	t.trace("sensor scan", "outcome", out.Kind.String(), "id", out.ID, "confidence", out.Confidence, "code", out.Code)
	return out
}

func (t *traced) Enroll(slot int, name string) EnrollResult {
	res := t.Driver.Enroll(slot, name)
	t.trace("sensor enroll", "slot", slot, "name", name, "ok", res.OK, "code", res.Code)
	return res
}

func (t *traced) Delete(slot int) bool {
	ok := t.Driver.Delete(slot)
	t.trace("sensor delete", "slot", slot, "ok", ok)
	return ok
}

func (t *traced) Rename(slot int, name string) bool {
	ok := t.Driver.Rename(slot, name)
	t.trace("sensor rename", "slot", slot, "name", name, "ok", ok)
	return ok
}

func (t *traced) DeleteAll() bool {
	ok := t.Driver.DeleteAll()
	t.trace("sensor delete all", "ok", ok)
	return ok
}

func (t *traced) PairingCode() string {
	code := t.Driver.PairingCode()
	t.trace("sensor pairing code read", "readable", code != "")
	return code
}

func (t *traced) SetPairingCode(code string) bool {
	ok := t.Driver.SetPairingCode(code)
	t.trace("sensor pairing code write", "ok", ok)
	return ok
}

func (t *traced) SetIndicator(state Indicator) {
	t.Driver.SetIndicator(state)
	t.trace("sensor indicator", "state", state.String())
}

func (t *traced) SetColors(c Colors) {
	t.Driver.SetColors(c)
	t.trace("sensor colors", "active", c.ActiveColor, "sequence", c.ActiveSequence, "scan", c.ScanColor, "match", c.MatchColor)
}

func (t *traced) SetIgnoreTouchRing(ignore bool) {
	t.Driver.SetIgnoreTouchRing(ignore)
	t.trace("sensor ignore touch ring", "ignore", ignore)
}

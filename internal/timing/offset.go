package timing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

// DefaultSyncTimeout bounds a single NTP query.
const DefaultSyncTimeout = 3 * time.Second

// Offset is a Clock corrected by a fixed offset, typically the last
// measured difference between the local clock and an NTP server.
// Sleep is passed through to the base clock. Safe for concurrent use.
type Offset struct {
	base   Clock
	offset atomic.Int64
}

// NewOffset returns an Offset over base with no correction.
func NewOffset(base Clock) *Offset {
	if base == nil {
		base = Real()
	}
	return &Offset{base: base}
}

// Now returns the base time plus the current correction.
func (o *Offset) Now() time.Time {
	return o.base.Now().Add(o.Correction())
}

func (o *Offset) Sleep(d time.Duration) {
	o.base.Sleep(d)
}

// Set replaces the correction.
func (o *Offset) Set(d time.Duration) {
	o.offset.Store(int64(d))
}

// Correction returns the current correction.
func (o *Offset) Correction() time.Duration {
	return time.Duration(o.offset.Load())
}

// ErrNoTimeServer is returned by QueryNTP when no server is configured.
var ErrNoTimeServer = errors.New("no time server configured")

// QueryNTP asks server for the offset of the local clock. The query is
// bounded by the context deadline, or DefaultSyncTimeout without one.
func QueryNTP(ctx context.Context, server string) (time.Duration, error) {
	if server == "" {
		return 0, ErrNoTimeServer
	}
	timeout := DefaultSyncTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return 0, ctx.Err()
		}
	}
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("ntp query %s: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("ntp response from %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}

package wifi

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nugget/fingerprint-doorbell/internal/connectivity"
)

// ErrHostManaged is returned when asked to change addressing on a
// host-managed link.
var ErrHostManaged = errors.New("addressing is managed by the host")

// HostLink observes an interface configured by the operating system.
// It implements connectivity.Link; Join and Reconnect are no-ops.
type HostLink struct {
	iface string
	// lookup is replaced in tests.
	lookup func(name string) (up bool, err error)
}

// NewHostLink returns a link watching iface. An empty name watches
// every non-loopback interface.
func NewHostLink(iface string) *HostLink {
	return &HostLink{iface: iface, lookup: interfaceUp}
}

func (h *HostLink) Join(context.Context, connectivity.Credentials) error { return nil }

func (h *HostLink) Up(context.Context) bool {
	up, err := h.lookup(h.iface)
	return err == nil && up
}

func (h *HostLink) Reconnect(context.Context) error { return nil }

func (h *HostLink) ApplyStatic(context.Context, connectivity.StaticAddress) error {
	return ErrHostManaged
}

func (h *HostLink) ApplyDHCP(context.Context) error { return nil }

// interfaceUp reports whether the named interface (or any
// non-loopback interface when name is empty) is up with a unicast
// address.
func interfaceUp(name string) (bool, error) {
	var ifaces []net.Interface
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return false, fmt.Errorf("interface %s: %w", name, err)
		}
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return false, err
		}
		ifaces = all
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.IsGlobalUnicast() {
				return true, nil
			}
		}
	}
	return false, nil
}

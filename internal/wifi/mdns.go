package wifi

import (
	"fmt"
	"net"

	"github.com/enbility/zeroconf/v3"

	"github.com/nugget/fingerprint-doorbell/internal/buildinfo"
)

// mDNS service registration constants.
const (
	ServiceType = "_http._tcp"
	Domain      = "local."
)

// Advertiser publishes the admin HTTP service over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instance (the hostname) on port. An empty iface
// advertises on every interface.
func Advertise(instance string, port int, iface string) (*Advertiser, error) {
	var ifaces []net.Interface
	if iface != "" {
		if ni, err := net.InterfaceByName(iface); err == nil {
			ifaces = []net.Interface{*ni}
		}
	}
	txt := []string{"version=" + buildinfo.Version, "path=/"}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, ifaces)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}

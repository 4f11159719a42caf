package wifi

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/miekg/dns"
)

// DefaultDNSAddr is where the captive responder listens.
const DefaultDNSAddr = ":53"

// CaptiveDNS answers every A query with the access point's address so
// a phone joining the configuration network lands on the admin page.
type CaptiveDNS struct {
	addr   string
	answer net.IP
	ttl    uint32
	logger *slog.Logger
	server *dns.Server
}

// NewCaptiveDNS returns a responder answering with ip.
func NewCaptiveDNS(addr string, ip net.IP, logger *slog.Logger) *CaptiveDNS {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = DefaultDNSAddr
	}
	return &CaptiveDNS{addr: addr, answer: ip.To4(), ttl: 60, logger: logger}
}

// ServeDNS implements dns.Handler.
func (c *CaptiveDNS) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	if err := w.WriteMsg(c.reply(r)); err != nil {
		c.logger.Debug("captive dns write failed", "error", err)
	}
}

func (c *CaptiveDNS) reply(r *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	for _, q := range r.Question {
		if q.Qclass != dns.ClassINET || (q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY) {
			continue
		}
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: c.ttl},
			A:   c.answer,
		})
	}
	return m
}

// Start listens on UDP and serves in the background. It returns once
// the socket is bound.
func (c *CaptiveDNS) Start() error {
	started := make(chan struct{})
	errc := make(chan error, 1)
	c.server = &dns.Server{
		Addr:              c.addr,
		Net:               "udp",
		Handler:           c,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { errc <- c.server.ListenAndServe() }()

	select {
	case <-started:
		c.logger.Info("captive dns started", "addr", c.addr, "answer", c.answer.String())
		return nil
	case err := <-errc:
		return fmt.Errorf("captive dns on %s: %w", c.addr, err)
	}
}

// Shutdown stops the responder.
func (c *CaptiveDNS) Shutdown() error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown()
}

// LocalAddr returns the bound socket address once started.
func (c *CaptiveDNS) LocalAddr() net.Addr {
	if c.server == nil || c.server.PacketConn == nil {
		return nil
	}
	return c.server.PacketConn.LocalAddr()
}

package connectivity

import (
	"context"
	"errors"
	"sync"
)

type fakeLink struct {
	mu          sync.Mutex
	up          bool
	upAfter     int // Up returns true after this many calls; -1 never
	upCalls     int
	joins       []Credentials
	reconnects  int
	static      []StaticAddress
	staticErr   error
	dhcp        int
	reconnectUp bool
}

func (l *fakeLink) Join(_ context.Context, creds Credentials) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joins = append(l.joins, creds)
	return nil
}

func (l *fakeLink) Up(context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upCalls++
	if l.upAfter > 0 && l.upCalls >= l.upAfter {
		l.up = true
	}
	return l.up
}

func (l *fakeLink) Reconnect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reconnects++
	if l.reconnectUp {
		l.up = true
	}
	return nil
}

func (l *fakeLink) ApplyStatic(_ context.Context, a StaticAddress) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.static = append(l.static, a)
	return l.staticErr
}

func (l *fakeLink) ApplyDHCP(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dhcp++
	return nil
}

func (l *fakeLink) set(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = up
}

type fakeSession struct {
	mu        sync.Mutex
	connected bool
	published []string
	retained  []string
}

func (s *fakeSession) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("closed")
	}
	entry := topic + "=" + string(payload)
	if retain {
		s.retained = append(s.retained, entry)
	} else {
		s.published = append(s.published, entry)
	}
	return nil
}

func (s *fakeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeSession) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

type fakeBroker struct {
	mu       sync.Mutex
	errs     []error // consumed per attempt; nil entry or empty list means success
	attempts []SessionOptions
	sessions []*fakeSession
}

func (b *fakeBroker) Connect(_ context.Context, opts SessionOptions) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, opts)
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	sess := &fakeSession{connected: true}
	b.sessions = append(b.sessions, sess)
	return sess, nil
}

func (b *fakeBroker) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attempts)
}

func (b *fakeBroker) last() *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sessions) == 0 {
		return nil
	}
	return b.sessions[len(b.sessions)-1]
}

type notes struct {
	mu    sync.Mutex
	lines []string
}

func (n *notes) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lines = append(n.lines, msg)
}

func (n *notes) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.lines...)
}

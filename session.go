package grpcserver

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-grpcserver/internal/telemetry"
)

// sessionRecord tracks one accepted HTTP/2 connection: its telemetry ref,
// address pair, TLS state (nil for plaintext), message counters, and the
// flow-control window this runtime configured for it.
type sessionRecord struct {
	ref        *telemetry.Ref
	localAddr  net.Addr
	remoteAddr net.Addr
	tlsState   *tls.ConnectionState
	startedAt  time.Time

	activeStreams atomic.Int64
	calls         telemetry.CallTracker

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	lastSentAt       atomic.Int64 // UnixNano, 0 if never sent
	lastReceivedAt   atomic.Int64 // UnixNano, 0 if never received

	// localWindowSize/remoteWindowSize are the configured (not live) HTTP/2
	// flow-control window this session was opened with - see the note on
	// this in DESIGN.md's Session Manager section.
	localWindowSize  int32
	remoteWindowSize int32
}

func (s *sessionRecord) recordMessageSent() {
	s.messagesSent.Add(1)
	s.lastSentAt.Store(time.Now().UnixNano())
}

func (s *sessionRecord) recordMessageReceived() {
	s.messagesReceived.Add(1)
	s.lastReceivedAt.Store(time.Now().UnixNano())
}

func unixNanoToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *sessionRecord) snapshot() map[string]any {
	snap := map[string]any{
		"localAddr":             s.localAddr.String(),
		"remoteAddr":            s.remoteAddr.String(),
		"startedAt":             s.startedAt,
		"activeStreams":         s.activeStreams.Load(),
		"calls":                 s.calls.Snapshot(),
		"messagesSent":          s.messagesSent.Load(),
		"messagesReceived":      s.messagesReceived.Load(),
		"lastMessageSentAt":     unixNanoToTime(s.lastSentAt.Load()),
		"lastMessageReceivedAt": unixNanoToTime(s.lastReceivedAt.Load()),
		"flowControlWindow": map[string]any{
			"local":  s.localWindowSize,
			"remote": s.remoteWindowSize,
		},
	}
	if s.tlsState != nil {
		snap["tls"] = map[string]any{
			"version":     s.tlsState.Version,
			"cipherSuite": tls.CipherSuiteName(s.tlsState.CipherSuite),
			"serverName":  s.tlsState.ServerName,
		}
	} else {
		snap["tls"] = nil
	}
	return snap
}

// connKey is the context.Context key under which the transport stores the
// net.Conn backing the current request, wired via http.Server.ConnContext.
type connKey struct{}

func withConn(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

func connFromContext(ctx context.Context) net.Conn {
	c, _ := ctx.Value(connKey{}).(net.Conn)
	return c
}

// sessionManager maps live net.Conn values to their sessionRecord and owns
// their registration/unregistration against the server's telemetry
// registry. One sessionManager is shared by every gate a Server owns.
type sessionManager struct {
	registry   *telemetry.Registry
	serverRef  *telemetry.Ref
	windowSize int32
	admit      func() bool

	mu       sync.Mutex
	sessions map[net.Conn]*sessionRecord
}

// newSessionManager constructs a sessionManager. windowSize is the
// configured HTTP/2 flow-control window stamped into every session's
// snapshot. admit is consulted on every new connection; when it reports
// false the connection is closed immediately instead of being tracked,
// matching the "server not started yet" rejection rule.
func newSessionManager(registry *telemetry.Registry, serverRef *telemetry.Ref, windowSize int32, admit func() bool) *sessionManager {
	return &sessionManager{
		registry:   registry,
		serverRef:  serverRef,
		windowSize: windowSize,
		admit:      admit,
		sessions:   make(map[net.Conn]*sessionRecord),
	}
}

// onConnState is installed as http.Server.ConnState. It creates a
// sessionRecord on StateNew and tears it down on StateClosed. StateHijacked
// is deliberately left alone; see the comment below.
func (m *sessionManager) onConnState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		if m.admit != nil && !m.admit() {
			// The server has not been Start()-ed yet: destroy the session
			// instead of registering it.
			_ = c.Close()
			return
		}

		rec := &sessionRecord{
			localAddr:        c.LocalAddr(),
			remoteAddr:       c.RemoteAddr(),
			startedAt:        time.Now(),
			localWindowSize:  m.windowSize,
			remoteWindowSize: m.windowSize,
		}
		if tc, ok := c.(*tls.Conn); ok {
			st := tc.ConnectionState()
			rec.tlsState = &st
		}
		rec.ref = m.registry.RegisterSocket(func() any { return rec.snapshot() })
		m.registry.RefChild(m.serverRef, rec.ref)

		m.mu.Lock()
		m.sessions[c] = rec
		m.mu.Unlock()

	case http.StateClosed:
		m.mu.Lock()
		rec, ok := m.sessions[c]
		delete(m.sessions, c)
		m.mu.Unlock()
		if ok {
			m.registry.UnrefChild(m.serverRef, rec.ref)
			m.registry.Unregister(rec.ref)
		}

		// StateHijacked (the h2c upgrade path: golang.org/x/net/http2/h2c
		// takes the raw conn to drive HTTP/2 itself) is intentionally not
		// torn down here - the session is still serving streams. Its entry
		// and telemetry ref are never removed; ForceShutdown closes the conn
		// directly via sessionManager.closeAll, which the h2c server observes
		// as a read error and exits on.
	}
}

// lookup returns the sessionRecord for the connection carried by ctx, or
// nil if the request context was not derived through withConn (should not
// happen for requests dispatched by this package's gates).
func (m *sessionManager) lookup(ctx context.Context) *sessionRecord {
	c := connFromContext(ctx)
	if c == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[c]
}

// closeAll force-closes every tracked connection, used by ForceShutdown.
func (m *sessionManager) closeAll() {
	m.mu.Lock()
	conns := make([]net.Conn, 0, len(m.sessions))
	for c := range m.sessions {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// activeCount returns the number of live sessions, used by TryShutdown to
// decide whether it is safe to stop the event loop.
func (m *sessionManager) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

package grpcserver

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/go-grpcserver/internal/telemetry"
	"github.com/joeycumines/go-grpcserver/internal/tracelog"
)

// Server combines the handler registry, session manager, telemetry
// registry, bind engine and a cooperative event loop into the single
// object embedding code talks to, mirroring the shape of
// inprocgrpc.Channel (see DESIGN.md).
type Server struct {
	opts *serverOptions

	handlers  *handlerRegistry
	sessions  *sessionManager
	telemetry *telemetry.Registry
	serverRef *telemetry.Ref
	calls     telemetry.CallTracker
	log       *tracelog.Logger

	mu      sync.Mutex
	started bool
	gates   []*gate
	loopRun chan struct{}
}

// NewServer constructs a Server using creds to decide whether each bound
// listener serves plaintext h2c or TLS-wrapped HTTP/2. opts configures
// the resolver, event loop, channel options and trace output.
func NewServer(creds Credentials, opts ...Option) (*Server, error) {
	cfg, err := resolveServerOptions(creds, opts)
	if err != nil {
		return nil, err
	}

	out := cfg.traceOut
	if out == nil {
		out = os.Stderr
	}

	s := &Server{
		opts:      cfg,
		handlers:  newHandlerRegistry(),
		telemetry: telemetry.NewRegistry(),
		log:       tracelog.New(out),
		loopRun:   make(chan struct{}),
	}
	s.serverRef = s.telemetry.RegisterServer(s.snapshot)
	s.sessions = newSessionManager(s.telemetry, s.serverRef, s.maxSessionMemory(), s.isStarted)
	return s, nil
}

// isStarted reports whether Start has been called. Used by the session
// manager to reject connections accepted before the server is started.
func (s *Server) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *Server) snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	listeners := make([]string, 0, len(s.gates))
	for _, g := range s.gates {
		listeners = append(listeners, g.listener.Addr().String())
	}
	return map[string]any{
		"started":   s.started,
		"listeners": listeners,
		"calls":     s.calls.Snapshot(),
	}
}

func (s *Server) maxConcurrentStreams() uint32 {
	v, ok := s.opts.channelOptions[ChannelOptionMaxConcurrentStreams]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok || n <= 0 {
		return 0
	}
	return uint32(n)
}

// maxSessionMemory reads ChannelOptionMaxSessionMemory, the byte budget
// applied to each HTTP/2 connection's upload buffer
// (http2.Server.MaxUploadBufferPerConnection) and stamped into every
// session's telemetry snapshot as its configured flow-control window.
func (s *Server) maxSessionMemory() int32 {
	v, ok := s.opts.channelOptions[ChannelOptionMaxSessionMemory]
	if !ok {
		return 0
	}
	n, ok := v.(int)
	if !ok || n <= 0 {
		return 0
	}
	return int32(n)
}

func (s *Server) addGate(g *gate) {
	s.mu.Lock()
	s.gates = append(s.gates, g)
	s.mu.Unlock()
}

func (s *Server) onGateServeError(err error) {
	s.log.Tracef("grpcserver: gate serve error: %v", err)
}

// AddService registers def's methods, routing calls whose names are
// present in impl to impl's implementation and installing the default
// UNIMPLEMENTED handler for every other method.
func (s *Server) AddService(def ServiceDefinition, impl map[string]any) error {
	return s.handlers.addService(def, impl)
}

// RemoveService unregisters every method named by def. Absent methods are
// ignored.
func (s *Server) RemoveService(def ServiceDefinition) {
	s.handlers.removeService(def)
}

// GetTelemetryRef returns the server's own telemetry ref, the root of the
// listener/session tree a telemetry consumer would walk via
// Registry.Children.
func (s *Server) GetTelemetryRef() *telemetry.Ref { return s.serverRef }

// Start marks the server as started (after which BindAsync refuses new
// binds) and starts its event loop running in the background. Calling
// Start a second time, or calling it before any listener is bound (or
// with every bound listener already gone), is a user-programming error
// and is reported synchronously as an error return rather than silently
// accepted.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("grpcserver: Start called after the server was already started")
	}
	active := false
	for _, g := range s.gates {
		if g.listening() {
			active = true
			break
		}
	}
	if !active {
		s.mu.Unlock()
		return errors.New("grpcserver: Start called with no listener bound; call BindAsync first")
	}
	s.started = true
	s.mu.Unlock()

	s.log.Tracef("grpcserver: Starting")

	go func() {
		defer close(s.loopRun)
		if err := s.opts.loop.Run(context.Background()); err != nil {
			s.log.Tracef("grpcserver: event loop exited: %v", err)
		}
	}()
	return nil
}

// TryShutdown stops accepting new connections on every bound listener,
// then waits (without blocking the caller) for in-flight sessions to
// drain before shutting down the event loop and reporting completion via
// cb. It does not forcibly terminate in-flight calls.
func (s *Server) TryShutdown(cb func(error)) {
	if cb == nil {
		cb = func(error) {}
	}
	go func() {
		s.mu.Lock()
		gates := s.gates
		s.gates = nil
		s.mu.Unlock()

		for _, g := range gates {
			g.close()
		}

		for s.sessions.activeCount() > 0 {
			time.Sleep(10 * time.Millisecond)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.opts.loop.Shutdown(ctx); err != nil {
			cb(err)
			return
		}
		s.telemetry.Unregister(s.serverRef)
		cb(nil)
	}()
}

// ForceShutdown immediately closes every listener and every live session,
// without waiting for in-flight calls to complete, then shuts down the
// event loop.
func (s *Server) ForceShutdown() {
	s.mu.Lock()
	gates := s.gates
	s.gates = nil
	s.mu.Unlock()

	for _, g := range gates {
		g.close()
	}
	s.sessions.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.opts.loop.Shutdown(ctx)
	s.telemetry.Unregister(s.serverRef)
}

// submitCounterUpdate runs fn on the server's cooperative event loop, the
// single place this runtime mutates shared telemetry counters from.
// Transport goroutines call this instead of mutating state directly.
func (s *Server) submitCounterUpdate(fn func()) {
	if err := s.opts.loop.Submit(fn); err != nil {
		// Loop already terminated (e.g. mid-shutdown): apply the update
		// inline rather than lose it, since counters must stay monotonic
		// even across a shutdown race.
		fn()
	}
}

// --- Legacy stubs -----------------------------------------------------
//
// These entry points existed on the runtime this package supersedes.
// They are preserved, returning explicit errors, so that ported
// embedding code fails loudly and immediately instead of silently
// behaving differently.

// AddProtoService is a legacy stub. Use AddService.
func (s *Server) AddProtoService(_ any, _ any) error {
	return errors.New("grpcserver: AddProtoService is not supported, use AddService")
}

// AddHTTP2Port is a legacy stub. Use BindAsync.
func (s *Server) AddHTTP2Port(_ string, _ any) error {
	return errors.New("grpcserver: AddHTTP2Port is not supported, use BindAsync")
}

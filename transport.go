package grpcserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/joeycumines/go-grpcserver/internal/telemetry"
)

// gate owns one listening socket: the net.Listener the bind engine
// produced plus the *http.Server (HTTP/2, TLS or h2c per Credentials)
// serving it.
type gate struct {
	listener  net.Listener
	http      *http.Server
	addr      Address
	ref       *telemetry.Ref
	registry  *telemetry.Registry
	serverRef *telemetry.Ref

	done chan struct{}
}

// newGate constructs and starts serving ln on behalf of srv. Serving runs
// in a background goroutine; errServe is delivered to onServeError once,
// unless the gate was closed first (in which case it is swallowed, as
// http.Server.Serve always returns a non-nil error on Close).
func newGate(srv *Server, ln net.Listener, addr Address, onServeError func(error)) (*gate, error) {
	g := &gate{listener: ln, addr: addr, done: make(chan struct{})}

	baseHandler := http.HandlerFunc(srv.serveHTTP)

	h2s := &http2.Server{
		MaxConcurrentStreams: srv.maxConcurrentStreams(),
	}
	if mem := srv.maxSessionMemory(); mem > 0 {
		h2s.MaxUploadBufferPerConnection = mem
	}

	httpServer := &http.Server{
		ConnState: srv.sessions.onConnState,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return withConn(ctx, c)
		},
		ReadHeaderTimeout: 30 * time.Second,
	}

	creds := srv.opts.creds
	if creds.IsSecure() {
		settings := creds.Settings()
		httpServer.TLSConfig = settings.Config.Clone()
		if err := http2.ConfigureServer(httpServer, h2s); err != nil {
			return nil, err
		}
		httpServer.Handler = baseHandler
	} else {
		httpServer.Handler = h2c.NewHandler(baseHandler, h2s)
	}

	g.http = httpServer
	g.registry = srv.telemetry
	g.serverRef = srv.serverRef
	g.ref = srv.telemetry.RegisterSocket(g.snapshot)
	srv.telemetry.RefChild(srv.serverRef, g.ref)

	go func() {
		var err error
		if creds.IsSecure() {
			err = httpServer.ServeTLS(ln, "", "")
		} else {
			err = httpServer.Serve(ln)
		}
		close(g.done)
		if onServeError != nil && err != nil && err != http.ErrServerClosed {
			onServeError(err)
		}
	}()

	return g, nil
}

func (g *gate) snapshot() any {
	return map[string]any{
		"addr":  g.addr,
		"local": g.listener.Addr().String(),
	}
}

// listening reports whether this gate's HTTP/2 server is still serving -
// i.e. its serve goroutine has not yet returned. Used by Start to refuse
// starting the event loop when no gate is actually up.
func (g *gate) listening() bool {
	select {
	case <-g.done:
		return false
	default:
		return true
	}
}

// close stops accepting new connections and returns once shutdown
// completes. It does not wait for in-flight streams; callers that need a
// graceful drain do that at the Server level via sessionManager.
func (g *gate) close() {
	_ = g.http.Close()
	<-g.done
	g.registry.UnrefChild(g.serverRef, g.ref)
	g.registry.Unregister(g.ref)
}

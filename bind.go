package grpcserver

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
)

// parseBindTarget turns a user-supplied address string into a *url.URL
// suitable for ResolverBuilder.Build. Addresses containing an explicit
// "scheme://" prefix are parsed as-is; anything else (the common
// "host:port" case) is treated as a dns-scheme target, matching real
// gRPC's default scheme behavior.
func parseBindTarget(address string) (*url.URL, error) {
	if strings.Contains(address, "://") {
		return url.Parse(address)
	}
	return &url.URL{Scheme: "dns", Host: address}, nil
}

// bindResolveListener adapts one BindAsync call's resolver callbacks into
// a partial-success bind sequence: it binds every resolved address,
// rewriting a TCP wildcard port to the first concretely bound port, and
// reports success if at least one address bound, aggregating (but not
// failing on) per-address errors.
type bindResolveListener struct {
	srv      *Server
	resolver Resolver
	cb       func(err error, port int)

	once sync.Once
}

func (b *bindResolveListener) OnSuccessfulResolution(addresses []Address) {
	b.once.Do(func() {
		b.resolver.Close()
		b.bind(addresses)
	})
}

func (b *bindResolveListener) OnError(err error) {
	b.once.Do(func() {
		b.resolver.Close()
		b.cb(fmt.Errorf("bind: resolution failed: %w", err), 0)
	})
}

func (b *bindResolveListener) bind(addresses []Address) {
	if len(addresses) == 0 {
		b.cb(errors.New("bind: resolver produced no addresses"), 0)
		return
	}

	explicitPort, ok := explicitTCPPort(addresses)
	if !ok {
		b.cb(errors.New("bind: multiple port numbers added from single address"), 0)
		return
	}

	var (
		boundPort = explicitPort
		bound     int
		lastErr   error
	)

	for _, addr := range addresses {
		network := "unix"
		target := addr.Addr
		if addr.IsTCP {
			network = "tcp"
			target = rewriteWildcardPort(addr.Addr, boundPort)
		}

		ln, err := net.Listen(network, target)
		if err != nil {
			lastErr = fmt.Errorf("bind: listen %s %s: %w", network, target, err)
			b.srv.log.Tracef("%v", lastErr)
			continue
		}

		if addr.IsTCP && boundPort == 0 {
			if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
				boundPort = tcpAddr.Port
			}
		}

		g, err := newGate(b.srv, ln, addr, b.srv.onGateServeError)
		if err != nil {
			_ = ln.Close()
			lastErr = fmt.Errorf("bind: starting transport on %s: %w", target, err)
			b.srv.log.Tracef("%v", lastErr)
			continue
		}

		b.srv.addGate(g)
		bound++
	}

	if bound == 0 {
		b.cb(fmt.Errorf("bind: all addresses failed, last error: %w", lastErr), 0)
		return
	}
	b.cb(nil, boundPort)
}

// explicitTCPPort scans addresses for TCP entries with an explicit
// (non-zero) port. It returns that port and true when zero or one distinct
// explicit port is present across all TCP addresses; it returns false when
// two or more TCP addresses name different non-zero explicit ports, which
// spec.md §4.2 requires BindAsync to reject outright before attempting any
// net.Listen call.
func explicitTCPPort(addresses []Address) (port int, ok bool) {
	seen := -1
	for _, addr := range addresses {
		if !addr.IsTCP {
			continue
		}
		_, portStr, err := net.SplitHostPort(addr.Addr)
		if err != nil || portStr == "0" || portStr == "" {
			continue
		}
		p, err := net.LookupPort("tcp", portStr)
		if err != nil {
			continue
		}
		if seen == -1 {
			seen = p
		} else if seen != p {
			return 0, false
		}
	}
	if seen == -1 {
		return 0, true
	}
	return seen, true
}

// rewriteWildcardPort replaces a ":0" (wildcard) port in addr with
// boundPort, once a prior address in the same BindAsync call has already
// picked a concrete port. addr is returned unchanged if it does not ask
// for a wildcard port, or if boundPort is still unknown.
func rewriteWildcardPort(addr string, boundPort int) string {
	if boundPort == 0 {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port != "0" {
		return addr
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", boundPort))
}

// BindAsync resolves address (via the configured ResolverBuilder) and
// binds a listening socket for each resulting Address, starting an
// HTTP/2 gate on each. cb is invoked exactly once, asynchronously, with
// either the port bound (for TCP; 0 for non-TCP or when partial failures
// leave no concrete port to report) or the terminal error if every
// address failed to bind.
func (s *Server) BindAsync(address string, cb func(err error, port int)) {
	if cb == nil {
		cb = func(error, int) {}
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		go cb(errors.New("server is already started"), 0)
		return
	}

	target, err := parseBindTarget(address)
	if err != nil {
		go cb(fmt.Errorf("bind: invalid address %q: %w", address, err), 0)
		return
	}

	listener := &bindResolveListener{srv: s, cb: cb}
	resolver, err := s.opts.resolverBuilder.Build(target, listener)
	if err != nil {
		go cb(fmt.Errorf("bind: building resolver for %q: %w", address, err), 0)
		return
	}
	listener.resolver = resolver
	resolver.UpdateResolution()
}

// Bind is a legacy synchronous bind entry point carried over from the
// runtime this package supersedes. It is intentionally unsupported:
// callers must use BindAsync, since this runtime's bind engine is
// asynchronous end-to-end (resolution may involve network I/O).
func (s *Server) Bind(address string) (int, error) {
	return 0, errors.New("grpcserver: Bind is not supported, use BindAsync")
}

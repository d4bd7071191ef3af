package grpcserver

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Address is one resolved network address. IsTCP distinguishes a dialable
// host:port pair from a non-TCP address (e.g. a Unix socket path), which
// the bind engine must bind without port arithmetic.
type Address struct {
	Addr  string
	IsTCP bool
}

// ResolveListener receives the outcome of a resolution. Exactly one of
// OnSuccessfulResolution / OnError is expected to fire per resolution
// attempt.
type ResolveListener interface {
	OnSuccessfulResolution(addresses []Address)
	OnError(err error)
}

// Resolver drives (possibly repeated) resolution of a single target
// against its ResolveListener. UpdateResolution requests a fresh
// resolution pass; Close releases any resources (e.g. a background
// watch goroutine).
type Resolver interface {
	UpdateResolution()
	Close()
}

// ResolverBuilder constructs a Resolver bound to target and listener,
// mirroring google.golang.org/grpc/resolver's Builder/Build contract. The
// bind engine invokes the server's single configured builder for every
// address; handling the target's scheme is up to the builder.
type ResolverBuilder interface {
	Build(target *url.URL, listener ResolveListener) (Resolver, error)
}

// defaultResolverBuilder implements the three resolver schemes this
// runtime supports out of the box: dns, unix, and passthrough. It mirrors
// real gRPC's default resolver scheme set without importing
// google.golang.org/grpc/resolver's global Builder registry, which this
// runtime has no use for.
type defaultResolverBuilder struct{}

// DefaultResolverBuilder is the ResolverBuilder used when the caller does
// not supply one.
var DefaultResolverBuilder ResolverBuilder = defaultResolverBuilder{}

func (defaultResolverBuilder) Build(target *url.URL, listener ResolveListener) (Resolver, error) {
	switch target.Scheme {
	case "unix":
		path := target.Path
		if path == "" {
			path = target.Opaque
		}
		if path == "" {
			return nil, fmt.Errorf("resolver: unix target has no path")
		}
		return &staticResolver{listener: listener, addresses: []Address{{Addr: path, IsTCP: false}}}, nil

	case "passthrough":
		addr := strings.TrimPrefix(target.Path, "/")
		if addr == "" {
			addr = target.Opaque
		}
		return &staticResolver{listener: listener, addresses: []Address{{Addr: addr, IsTCP: true}}}, nil

	case "dns", "":
		host := target.Host
		if host == "" {
			host = strings.TrimPrefix(target.Path, "/")
		}
		if host == "" {
			host = target.Opaque
		}
		return &dnsResolver{listener: listener, hostPort: host}, nil

	default:
		return nil, fmt.Errorf("resolver: unsupported scheme %q", target.Scheme)
	}
}

// staticResolver delivers a fixed address list exactly once per
// UpdateResolution call.
type staticResolver struct {
	listener  ResolveListener
	addresses []Address
}

func (r *staticResolver) UpdateResolution() {
	// Dispatched via goroutine, matching dnsResolver, so BindAsync's
	// documented asynchronous contract holds regardless of scheme - a
	// caller on the event loop must never block inline on a net.Listen.
	go r.listener.OnSuccessfulResolution(r.addresses)
}
func (r *staticResolver) Close() {}

// dnsResolver resolves a host:port target via net.Resolver.LookupHost,
// producing one Address per returned IP with the original port attached.
type dnsResolver struct {
	listener ResolveListener
	hostPort string
}

func (r *dnsResolver) UpdateResolution() {
	go r.resolveOnce()
}

func (r *dnsResolver) resolveOnce() {
	host, port, err := net.SplitHostPort(r.hostPort)
	if err != nil {
		// No port: treat the whole string as a host with no port suffix.
		host = r.hostPort
		port = ""
	}
	if host == "" {
		host = "0.0.0.0"
	}

	ips, err := net.DefaultResolver.LookupHost(context.Background(), host)
	if err != nil {
		r.listener.OnError(fmt.Errorf("resolver: lookup %q: %w", host, err))
		return
	}

	addrs := make([]Address, 0, len(ips))
	for _, ip := range ips {
		addr := ip
		if port != "" {
			addr = net.JoinHostPort(ip, port)
		}
		addrs = append(addrs, Address{Addr: addr, IsTCP: true})
	}
	r.listener.OnSuccessfulResolution(addrs)
}

func (r *dnsResolver) Close() {}

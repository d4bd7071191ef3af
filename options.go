package grpcserver

import (
	"errors"
	"io"

	"github.com/joeycumines/go-eventloop"
)

// Channel option keys recognized by the bind engine, named after the keys
// grpc-node's channel-options mapping uses for the same settings.
const (
	ChannelOptionMaxSessionMemory     = "grpc-node.max_session_memory"
	ChannelOptionMaxConcurrentStreams = "grpc.max_concurrent_streams"
)

// serverOptions holds configuration for a Server instance. Fields are
// populated by Option values during NewServer.
type serverOptions struct {
	creds           Credentials
	resolverBuilder ResolverBuilder
	loop            *eventloop.Loop
	channelOptions  map[string]any
	traceOut        io.Writer
}

// Option configures a Server instance, applied during construction.
// Mirrors inprocgrpc's Option/applyOption pattern.
type Option interface {
	applyOption(*serverOptions) error
}

type optionFunc struct {
	fn func(*serverOptions) error
}

func (o *optionFunc) applyOption(opts *serverOptions) error { return o.fn(opts) }

// WithResolverBuilder overrides the ResolverBuilder used by BindAsync.
// If not supplied, DefaultResolverBuilder is used.
func WithResolverBuilder(b ResolverBuilder) Option {
	return &optionFunc{fn: func(o *serverOptions) error {
		if b == nil {
			return errors.New("grpcserver: resolver builder must not be nil")
		}
		o.resolverBuilder = b
		return nil
	}}
}

// WithEventLoop supplies the cooperative event loop the server uses for
// all state mutation. If not supplied, NewServer constructs its own.
func WithEventLoop(loop *eventloop.Loop) Option {
	return &optionFunc{fn: func(o *serverOptions) error {
		if loop == nil {
			return errors.New("grpcserver: event loop must not be nil")
		}
		o.loop = loop
		return nil
	}}
}

// WithChannelOption sets a single channel option consulted by the bind
// engine when constructing each listening socket's HTTP/2 server
// (ChannelOptionMaxSessionMemory, ChannelOptionMaxConcurrentStreams).
func WithChannelOption(key string, value any) Option {
	return &optionFunc{fn: func(o *serverOptions) error {
		if o.channelOptions == nil {
			o.channelOptions = make(map[string]any)
		}
		o.channelOptions[key] = value
		return nil
	}}
}

// WithTraceOutput redirects the server's trace log. Defaults to os.Stderr.
func WithTraceOutput(w io.Writer) Option {
	return &optionFunc{fn: func(o *serverOptions) error {
		o.traceOut = w
		return nil
	}}
}

func resolveServerOptions(creds Credentials, opts []Option) (*serverOptions, error) {
	if creds == nil {
		return nil, errors.New("grpcserver: NewServer requires non-nil Credentials")
	}
	cfg := &serverOptions{
		creds:           creds,
		resolverBuilder: DefaultResolverBuilder,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.loop == nil {
		loop, err := eventloop.New()
		if err != nil {
			return nil, err
		}
		cfg.loop = loop
	}
	return cfg, nil
}

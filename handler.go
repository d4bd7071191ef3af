package grpcserver

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Shape is the streaming shape of a method, derived from which sides may
// send multiple messages.
type Shape int

const (
	// ShapeUnary methods receive exactly one request and send exactly one response.
	ShapeUnary Shape = iota
	// ShapeClientStream methods receive many requests and send one response.
	ShapeClientStream
	// ShapeServerStream methods receive one request and send many responses.
	ShapeServerStream
	// ShapeBidi methods may send and receive many messages, independently.
	ShapeBidi
)

func (s Shape) String() string {
	switch s {
	case ShapeUnary:
		return "unary"
	case ShapeClientStream:
		return "clientStream"
	case ShapeServerStream:
		return "serverStream"
	case ShapeBidi:
		return "bidi"
	default:
		return "unknown"
	}
}

func deriveShape(requestStream, responseStream bool) Shape {
	switch {
	case !requestStream && !responseStream:
		return ShapeUnary
	case requestStream && !responseStream:
		return ShapeClientStream
	case !requestStream && responseStream:
		return ShapeServerStream
	default:
		return ShapeBidi
	}
}

// SerializeFunc encodes a response value produced by a handler into wire
// bytes. DeserializeFunc is its inverse for request values.
type (
	SerializeFunc   func(v any) ([]byte, error)
	DeserializeFunc func(b []byte) (any, error)
)

// UnaryHandlerFunc handles a unary call: exactly one request in, exactly
// one response (or error) out.
type UnaryHandlerFunc func(call *UnaryCall, req any) (resp any, err error)

// ClientStreamHandlerFunc handles a client-streaming call: many requests
// in (read via call.Recv), exactly one response (or error) out.
type ClientStreamHandlerFunc func(call *ClientStreamCall) (resp any, err error)

// ServerStreamHandlerFunc handles a server-streaming call: one request in,
// many responses out (written via call.Send), terminated by the returned
// error (nil for OK).
type ServerStreamHandlerFunc func(call *ServerStreamCall, req any) error

// BidiStreamHandlerFunc handles a bidirectional-streaming call: requests
// and responses interleave freely, terminated by the returned error.
type BidiStreamHandlerFunc func(call *BidiStreamCall) error

// Handler is an immutable, registered method: the path it answers to, its
// streaming shape, its wire codec, and the single user callback matching
// that shape. Exactly one of the Func fields is non-nil, matching Shape.
type Handler struct {
	Path        string
	Shape       Shape
	Serialize   SerializeFunc
	Deserialize DeserializeFunc

	UnaryFunc        UnaryHandlerFunc
	ClientStreamFunc ClientStreamHandlerFunc
	ServerStreamFunc ServerStreamHandlerFunc
	BidiFunc         BidiStreamHandlerFunc
}

// unimplementedHandler builds the default handler installed by AddService
// for methods with no corresponding implementation entry: it completes the
// call with UNIMPLEMENTED.
func unimplementedHandler(path string, shape Shape, serialize SerializeFunc, deserialize DeserializeFunc) *Handler {
	msg := fmt.Sprintf("The server does not implement the method %s", path)
	h := &Handler{Path: path, Shape: shape, Serialize: serialize, Deserialize: deserialize}
	switch shape {
	case ShapeUnary:
		h.UnaryFunc = func(*UnaryCall, any) (any, error) {
			return nil, status.Error(codes.Unimplemented, msg)
		}
	case ShapeClientStream:
		h.ClientStreamFunc = func(*ClientStreamCall) (any, error) {
			return nil, status.Error(codes.Unimplemented, msg)
		}
	case ShapeServerStream:
		h.ServerStreamFunc = func(*ServerStreamCall, any) error {
			return status.Error(codes.Unimplemented, msg)
		}
	default:
		h.BidiFunc = func(*BidiStreamCall) error {
			return status.Error(codes.Unimplemented, msg)
		}
	}
	return h
}

// MethodDefinition is one entry of a ServiceDefinition: the wire path, the
// streaming shape (expressed the way generated gRPC code expresses it, as
// independent request/response stream booleans), and the codec for that
// method. OriginalName is consulted by AddService when the primary map key
// is absent from the implementation.
type MethodDefinition struct {
	Path                string
	RequestStream       bool
	ResponseStream      bool
	RequestSerialize    SerializeFunc
	RequestDeserialize  DeserializeFunc
	ResponseSerialize   SerializeFunc
	ResponseDeserialize DeserializeFunc
	OriginalName        string
}

// ServiceDefinition maps a method name (generally the generated-code
// field/method name) to its MethodDefinition.
type ServiceDefinition map[string]MethodDefinition

// handlerRegistry is the server's path -> Handler table. It is mutated by
// AddService/RemoveService on the caller's goroutine and read by lookup()
// from the transport's per-stream goroutines, so a mutex guards it.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[string]*Handler)}
}

// register installs h at h.Path. It returns false, without overwriting
// anything, if the path is already registered.
func (r *handlerRegistry) register(h *Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Path]; exists {
		return false
	}
	r.handlers[h.Path] = h
	return true
}

// unregister removes path. It reports whether an entry was removed.
func (r *handlerRegistry) unregister(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[path]; !exists {
		return false
	}
	delete(r.handlers, path)
	return true
}

// lookup returns the handler registered for path, or nil.
func (r *handlerRegistry) lookup(path string) *Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[path]
}

// addService derives each method's shape, selects its implementation out
// of impl (falling back to OriginalName), and registers a Handler for
// every path - installing the UNIMPLEMENTED default handler for methods
// absent from impl. Any duplicate path registered in the course of this
// call fails the whole operation, naming the offending path; handlers
// registered by this call before the failure are rolled back.
func (r *handlerRegistry) addService(def ServiceDefinition, impl map[string]any) error {
	if impl == nil {
		return fmt.Errorf("addService: implementation must be an object")
	}
	if len(def) == 0 {
		return fmt.Errorf("addService: service definition must not be empty")
	}

	registered := make([]string, 0, len(def))
	rollback := func() {
		for _, p := range registered {
			r.unregister(p)
		}
	}

	for name, md := range def {
		shape := deriveShape(md.RequestStream, md.ResponseStream)

		fn, ok := impl[name]
		if !ok && md.OriginalName != "" {
			fn, ok = impl[md.OriginalName]
		}

		var h *Handler
		if !ok || fn == nil {
			h = unimplementedHandler(md.Path, shape, md.ResponseSerialize, md.RequestDeserialize)
		} else {
			var err error
			h, err = buildHandler(md, shape, fn)
			if err != nil {
				rollback()
				return fmt.Errorf("addService: method %q: %w", name, err)
			}
		}

		if !r.register(h) {
			rollback()
			return fmt.Errorf("addService: duplicate registration for path %q", md.Path)
		}
		registered = append(registered, md.Path)
	}
	return nil
}

// buildHandler type-switches fn to the handler func type matching shape.
func buildHandler(md MethodDefinition, shape Shape, fn any) (*Handler, error) {
	h := &Handler{
		Path:        md.Path,
		Shape:       shape,
		Serialize:   md.ResponseSerialize,
		Deserialize: md.RequestDeserialize,
	}
	switch shape {
	case ShapeUnary:
		f, ok := fn.(UnaryHandlerFunc)
		if !ok {
			return nil, fmt.Errorf("implementation for %q must be a UnaryHandlerFunc", md.Path)
		}
		h.UnaryFunc = f
	case ShapeClientStream:
		f, ok := fn.(ClientStreamHandlerFunc)
		if !ok {
			return nil, fmt.Errorf("implementation for %q must be a ClientStreamHandlerFunc", md.Path)
		}
		h.ClientStreamFunc = f
	case ShapeServerStream:
		f, ok := fn.(ServerStreamHandlerFunc)
		if !ok {
			return nil, fmt.Errorf("implementation for %q must be a ServerStreamHandlerFunc", md.Path)
		}
		h.ServerStreamFunc = f
	default:
		f, ok := fn.(BidiStreamHandlerFunc)
		if !ok {
			return nil, fmt.Errorf("implementation for %q must be a BidiStreamHandlerFunc", md.Path)
		}
		h.BidiFunc = f
	}
	return h, nil
}

// removeService unregisters every path named by def; absence is silent.
func (r *handlerRegistry) removeService(def ServiceDefinition) {
	for _, md := range def {
		r.unregister(md.Path)
	}
}

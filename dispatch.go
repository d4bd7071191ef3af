package grpcserver

import (
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// serveHTTP is the dispatch core: it is installed as the handler behind
// every gate's HTTP/2 server and runs the per-stream pipeline —
// content-type check, path lookup, CallStream construction,
// completion-listener wiring, and shape-based dispatch to user code,
// guarded by a panic-recovery safety net.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	rec := s.sessions.lookup(r.Context())

	// callsStarted is incremented unconditionally, before the content-type
	// check, so a rejected stream still counts as an attempted call. All
	// counter mutations are dispatched onto the server's cooperative event
	// loop rather than applied inline from this stream's goroutine, keeping
	// every counter update single-threaded.
	s.submitCounterUpdate(func() {
		s.calls.Start()
		if rec != nil {
			rec.calls.Start()
		}
	})

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
		s.submitCounterUpdate(func() {
			s.calls.Fail()
			if rec != nil {
				rec.calls.Fail()
			}
		})
		http.Error(w, "unsupported media type: expected application/grpc", http.StatusUnsupportedMediaType)
		return
	}

	h := s.handlers.lookup(r.URL.Path)
	cs := newCallStream(w, r, h)

	if rec != nil {
		rec.activeStreams.Add(1)
		defer rec.activeStreams.Add(-1)
	}

	cs.events = callEvents{
		onCallEnd: func(code codes.Code) {
			s.submitCounterUpdate(func() {
				if code == codes.OK {
					s.calls.Succeed()
				} else {
					s.calls.Fail()
				}
			})
		},
		onStreamEnd: func(success bool) {
			if rec == nil {
				return
			}
			s.submitCounterUpdate(func() {
				if success {
					rec.calls.Succeed()
				} else {
					rec.calls.Fail()
				}
			})
		},
		onSendMessage: func() {
			if rec != nil {
				rec.recordMessageSent()
			}
		},
		onRecvMessage: func() {
			if rec != nil {
				rec.recordMessageReceived()
			}
		},
	}

	if h == nil {
		cs.sendError(status.Errorf(codes.Unimplemented, "The server does not implement the method %s", r.URL.Path))
		return
	}

	if cs.Cancelled() {
		cs.sendError(status.Error(codes.Canceled, "call cancelled before dispatch"))
		return
	}

	s.invoke(cs, h)
}

// invoke runs the user handler matching h.Shape, recovering from panics
// and reporting them as INTERNAL rather than crashing the server.
func (s *Server) invoke(cs *CallStream, h *Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Tracef("grpcserver: handler for %s panicked: %v", h.Path, r)
			cs.sendError(status.Errorf(codes.Internal, "panic in handler for %s: %v", h.Path, r))
		}
	}()

	switch h.Shape {
	case ShapeUnary:
		req, ok := cs.ReceiveUnaryMessage()
		if !ok {
			cs.sendError(status.Error(codes.Internal, "failed to read request message"))
			return
		}
		resp, err := h.UnaryFunc(&UnaryCall{cs: cs}, req)
		cs.sendUnaryMessage(err, resp, nil)

	case ShapeClientStream:
		resp, err := h.ClientStreamFunc(&ClientStreamCall{cs: cs})
		cs.sendUnaryMessage(err, resp, nil)

	case ShapeServerStream:
		req, ok := cs.ReceiveUnaryMessage()
		if !ok {
			cs.sendError(status.Error(codes.Internal, "failed to read request message"))
			return
		}
		err := h.ServerStreamFunc(&ServerStreamCall{cs: cs}, req)
		cs.finish(err, nil)

	case ShapeBidi:
		err := h.BidiFunc(&BidiStreamCall{cs: cs})
		cs.finish(err, nil)

	default:
		cs.sendError(status.Error(codes.Internal, fmt.Sprintf("unknown shape %v for %s", h.Shape, h.Path)))
	}
}

package grpcserver

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// callEvents are the completion listeners the dispatch core installs on a
// CallStream before invoking user code: callEnd, streamEnd, sendMessage,
// receiveMessage.
type callEvents struct {
	onCallEnd      func(code codes.Code)
	onStreamEnd    func(success bool)
	onSendMessage  func()
	onRecvMessage  func()
}

// CallStream is the per-call I/O helper: it owns a single HTTP/2 stream
// (one *http.Request / http.ResponseWriter pair, supplied by the
// transport layer) and mediates gRPC message framing between the
// dispatcher and the wire.
type CallStream struct {
	w       http.ResponseWriter
	r       *http.Request
	handler *Handler // nil for a degenerate stream built only to carry an error
	events  callEvents

	mu           sync.Mutex
	headerSent   bool
	trailersDone bool
	finalCode    codes.Code
	trailer      metadata.MD

	cancelled atomic.Bool
}

func newCallStream(w http.ResponseWriter, r *http.Request, h *Handler) *CallStream {
	cs := &CallStream{w: w, r: r, handler: h}
	go func() {
		<-r.Context().Done()
		cs.cancelled.Store(true)
	}()
	return cs
}

// Cancelled reports whether the peer has disconnected or the stream
// context has otherwise been cancelled.
func (cs *CallStream) Cancelled() bool {
	select {
	case <-cs.r.Context().Done():
		return true
	default:
		return cs.cancelled.Load()
	}
}

// ReceiveMetadata parses the incoming HTTP/2 headers into gRPC metadata,
// excluding the handful of reserved pseudo/gRPC headers.
func (cs *CallStream) ReceiveMetadata() metadata.MD {
	md := metadata.MD{}
	for k, v := range cs.r.Header {
		lk := strings.ToLower(k)
		switch lk {
		case "content-type", "te", "grpc-timeout", "grpc-encoding", "grpc-accept-encoding":
			continue
		}
		md[lk] = append(md[lk], v...)
	}
	return md
}

// ReceiveUnaryMessage reads exactly one gRPC-framed request message. It
// returns (nil, false) when the stream is cancelled or the frame is
// malformed or absent.
func (cs *CallStream) ReceiveUnaryMessage() (any, bool) {
	if cs.Cancelled() || cs.handler == nil {
		return nil, false
	}
	payload, err := readGRPCFrame(cs.r.Body)
	if err != nil {
		return nil, false
	}
	if cs.events.onRecvMessage != nil {
		cs.events.onRecvMessage()
	}
	req, err := cs.handler.Deserialize(payload)
	if err != nil {
		return nil, false
	}
	return req, true
}

// recvStream is the iterator used by client-streaming and bidi dispatch:
// it yields successive request messages until EOF or cancellation.
func (cs *CallStream) recvStream() (any, error) {
	if cs.Cancelled() {
		return nil, io.EOF
	}
	if cs.handler == nil {
		return nil, status.Error(codes.Internal, "call has no handler bound")
	}
	payload, err := readGRPCFrame(cs.r.Body)
	if err != nil {
		return nil, err
	}
	if cs.events.onRecvMessage != nil {
		cs.events.onRecvMessage()
	}
	return cs.handler.Deserialize(payload)
}

func (cs *CallStream) sendHeaderLocked() {
	if cs.headerSent {
		return
	}
	cs.w.Header().Set("Content-Type", "application/grpc")
	cs.w.WriteHeader(http.StatusOK)
	cs.headerSent = true
}

// sendMessage writes one gRPC-framed response message.
func (cs *CallStream) sendMessage(v any) error {
	if cs.handler == nil {
		return status.Error(codes.Internal, "call has no handler bound")
	}
	payload, err := cs.handler.Serialize(v)
	if err != nil {
		return status.Errorf(codes.Internal, "marshal response: %v", err)
	}

	cs.mu.Lock()
	cs.sendHeaderLocked()
	cs.mu.Unlock()

	if err := writeGRPCFrame(cs.w, payload); err != nil {
		return status.Errorf(codes.Unavailable, "write response: %v", err)
	}
	if f, ok := cs.w.(http.Flusher); ok {
		f.Flush()
	}
	if cs.events.onSendMessage != nil {
		cs.events.onSendMessage()
	}
	return nil
}

// finish writes the trailer (Grpc-Status/Grpc-Message, plus any
// caller-supplied trailer metadata) exactly once, translating err into a
// gRPC status. A nil err reports OK. Returns the status code reported,
// so the dispatch core's callEnd listener has it without re-deriving it.
func (cs *CallStream) finish(err error, trailer metadata.MD) codes.Code {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.trailersDone {
		return cs.finalCode
	}
	cs.sendHeaderLocked()

	st := status.Convert(err)
	if err != nil && st.Code() == codes.OK {
		st = status.New(codes.Internal, st.Message())
	}

	merged := metadata.Join(cs.trailer, trailer)
	for k, vs := range merged {
		for _, v := range vs {
			cs.w.Header().Add(http.TrailerPrefix+k, v)
		}
	}
	cs.w.Header().Set(http.TrailerPrefix+"Grpc-Status", strconv.Itoa(int(st.Code())))
	cs.w.Header().Set(http.TrailerPrefix+"Grpc-Message", st.Message())

	code := st.Code()
	cs.finalCode = code
	cs.trailersDone = true

	if cs.events.onCallEnd != nil {
		cs.events.onCallEnd(code)
	}
	success := code == codes.OK
	if cs.events.onStreamEnd != nil {
		cs.events.onStreamEnd(success)
	}
	return code
}

// sendUnaryMessage packages a single response/error into a unary reply:
// it writes the message (if err is nil and value is non-nil) and then
// the trailer.
func (cs *CallStream) sendUnaryMessage(err error, value any, trailer metadata.MD) {
	if err == nil && value != nil {
		if sendErr := cs.sendMessage(value); sendErr != nil {
			cs.finish(sendErr, trailer)
			return
		}
	}
	cs.finish(err, trailer)
}

// sendError sends only the trailer, translating err into a gRPC status.
func (cs *CallStream) sendError(err error) {
	cs.finish(err, nil)
}

// UnaryCall is the handle passed to a UnaryHandlerFunc.
type UnaryCall struct {
	cs *CallStream
}

// Context returns the call's cancellation context, bound to the
// underlying HTTP/2 stream's lifetime.
func (c *UnaryCall) Context() context.Context { return c.cs.r.Context() }

// Metadata returns the incoming call metadata.
func (c *UnaryCall) Metadata() metadata.MD { return c.cs.ReceiveMetadata() }

// SetTrailer merges md into the trailer sent when the handler returns.
func (c *UnaryCall) SetTrailer(md metadata.MD) { c.cs.setTrailer(md) }

// ClientStreamCall is the handle passed to a ClientStreamHandlerFunc.
type ClientStreamCall struct {
	cs *CallStream
}

func (c *ClientStreamCall) Context() context.Context { return c.cs.r.Context() }
func (c *ClientStreamCall) Metadata() metadata.MD    { return c.cs.ReceiveMetadata() }
func (c *ClientStreamCall) SetTrailer(md metadata.MD) { c.cs.setTrailer(md) }

// Recv reads the next request message, returning io.EOF once the client
// has closed its send side.
func (c *ClientStreamCall) Recv() (any, error) { return c.cs.recvStream() }

// ServerStreamCall is the handle passed to a ServerStreamHandlerFunc.
type ServerStreamCall struct {
	cs *CallStream
}

func (c *ServerStreamCall) Context() context.Context { return c.cs.r.Context() }
func (c *ServerStreamCall) Metadata() metadata.MD    { return c.cs.ReceiveMetadata() }
func (c *ServerStreamCall) SetTrailer(md metadata.MD) { c.cs.setTrailer(md) }

// Send writes one response message. The handler may call Send any number
// of times before returning.
func (c *ServerStreamCall) Send(resp any) error { return c.cs.sendMessage(resp) }

// BidiStreamCall is the handle passed to a BidiStreamHandlerFunc.
type BidiStreamCall struct {
	cs *CallStream
}

func (c *BidiStreamCall) Context() context.Context { return c.cs.r.Context() }
func (c *BidiStreamCall) Metadata() metadata.MD    { return c.cs.ReceiveMetadata() }
func (c *BidiStreamCall) SetTrailer(md metadata.MD) { c.cs.setTrailer(md) }
func (c *BidiStreamCall) Recv() (any, error)       { return c.cs.recvStream() }
func (c *BidiStreamCall) Send(resp any) error      { return c.cs.sendMessage(resp) }

// setTrailer records metadata merged into the trailer at finish() time.
func (cs *CallStream) setTrailer(md metadata.MD) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.trailer == nil {
		cs.trailer = metadata.MD{}
	}
	cs.trailer = metadata.Join(cs.trailer, md)
}

// writeGRPCFrame writes the standard 5-byte gRPC length-prefixed frame
// header (1 compression-flag byte, 4 big-endian length bytes) followed by
// payload.
func writeGRPCFrame(w io.Writer, payload []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// maxGRPCFrameSize bounds a single received message, matching
// google.golang.org/grpc's own default max receive message size. Without
// this, a frame header alone controls how large a buffer readGRPCFrame
// allocates, regardless of how much (if any) body data ever arrives.
const maxGRPCFrameSize = 4 << 20

// readGRPCFrame reads one gRPC-framed message. Returns io.EOF (or an
// io.ErrUnexpectedEOF-wrapped error) when no further frame is available.
func readGRPCFrame(r io.Reader) ([]byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[1:])
	if length > maxGRPCFrameSize {
		return nil, status.Errorf(codes.ResourceExhausted, "received message larger than max (%d vs %d)", length, maxGRPCFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

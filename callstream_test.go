package grpcserver

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestGRPCFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeGRPCFrame(&buf, []byte("hello")))

	payload, err := readGRPCFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
}

func TestGRPCFrameRoundTrip_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeGRPCFrame(&buf, nil))

	payload, err := readGRPCFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestReadGRPCFrame_EOFOnEmptyReader(t *testing.T) {
	_, err := readGRPCFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}

func echoHandler() *Handler {
	return &Handler{
		Path:        "/svc/Echo",
		Shape:       ShapeUnary,
		Serialize:   func(v any) ([]byte, error) { return v.([]byte), nil },
		Deserialize: func(b []byte) (any, error) { return b, nil },
	}
}

func newTestCallStream(t *testing.T, body []byte) (*CallStream, *httptest.ResponseRecorder) {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, writeGRPCFrame(&reqBody, body))
	}
	req := httptest.NewRequest(http.MethodPost, "/svc/Echo", &reqBody)
	req.Header.Set("Content-Type", "application/grpc")
	req.Header.Set("X-Custom-Meta", "v1")
	rec := httptest.NewRecorder()
	return newCallStream(rec, req, echoHandler()), rec
}

func TestCallStream_ReceiveMetadata_StripsReserved(t *testing.T) {
	cs, _ := newTestCallStream(t, []byte("payload"))
	md := cs.ReceiveMetadata()
	assert.Equal(t, []string{"v1"}, md.Get("x-custom-meta"))
	assert.Empty(t, md.Get("content-type"))
}

func TestCallStream_ReceiveUnaryMessage(t *testing.T) {
	cs, _ := newTestCallStream(t, []byte("payload"))
	req, ok := cs.ReceiveUnaryMessage()
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), req)
}

func TestCallStream_SendUnaryMessage_Success(t *testing.T) {
	cs, rec := newTestCallStream(t, []byte("payload"))
	cs.sendUnaryMessage(nil, []byte("response"), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Result().Trailer.Get("Grpc-Status"))

	payload, err := readGRPCFrame(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("response"), payload)
}

func TestCallStream_SendUnaryMessage_Error(t *testing.T) {
	cs, rec := newTestCallStream(t, []byte("payload"))
	cs.sendUnaryMessage(status.Error(codes.NotFound, "missing"), nil, nil)

	assert.Equal(t, "5", rec.Result().Trailer.Get("Grpc-Status"))
	assert.Equal(t, "missing", rec.Result().Trailer.Get("Grpc-Message"))
}

func TestCallStream_Finish_IsIdempotent(t *testing.T) {
	cs, rec := newTestCallStream(t, []byte("payload"))
	code1 := cs.finish(nil, nil)
	code2 := cs.finish(status.Error(codes.Internal, "ignored"), nil)
	assert.Equal(t, codes.OK, code1)
	assert.Equal(t, codes.OK, code2, "second finish must not override the first trailer")
	assert.Equal(t, "0", rec.Result().Trailer.Get("Grpc-Status"))
}

func TestCallStream_SetTrailer_MergedAtFinish(t *testing.T) {
	cs, rec := newTestCallStream(t, []byte("payload"))
	uc := &UnaryCall{cs: cs}
	uc.SetTrailer(metadata.Pairs("x-extra", "yes"))
	cs.finish(nil, nil)
	assert.Equal(t, "yes", rec.Result().Trailer.Get("X-Extra"))
}

// okStatusError is a non-nil error whose GRPCStatus reports codes.OK.
type okStatusError struct{}

func (okStatusError) Error() string              { return "bogus" }
func (okStatusError) GRPCStatus() *status.Status { return status.New(codes.OK, "bogus") }

func TestCallStream_NonOKErrorNormalizesOKCode(t *testing.T) {
	cs, rec := newTestCallStream(t, nil)
	// err != nil but status.Convert reads it as OK, since it carries a
	// status with code OK; finish must not report success.
	cs.finish(okStatusError{}, nil)
	assert.NotEqual(t, "0", rec.Result().Trailer.Get("Grpc-Status"))
}

func TestServerStreamCall_Send(t *testing.T) {
	cs, rec := newTestCallStream(t, []byte("req"))
	call := &ServerStreamCall{cs: cs}
	require.NoError(t, call.Send([]byte("one")))
	require.NoError(t, call.Send([]byte("two")))
	cs.finish(nil, nil)

	p1, err := readGRPCFrame(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), p1)
	p2, err := readGRPCFrame(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), p2)
}

package grpcserver

import (
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	addresses []Address
	err       error
	notified  chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{notified: make(chan struct{}, 16)}
}

func (l *recordingListener) OnSuccessfulResolution(addresses []Address) {
	l.mu.Lock()
	l.addresses = addresses
	l.mu.Unlock()
	l.notified <- struct{}{}
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.notified <- struct{}{}
}

func TestDefaultResolverBuilder_Unix(t *testing.T) {
	target, err := url.Parse("unix:///tmp/foo.sock")
	require.NoError(t, err)

	lst := newRecordingListener()
	r, err := DefaultResolverBuilder.Build(target, lst)
	require.NoError(t, err)
	r.UpdateResolution()
	<-lst.notified

	require.Len(t, lst.addresses, 1)
	assert.Equal(t, "/tmp/foo.sock", lst.addresses[0].Addr)
	assert.False(t, lst.addresses[0].IsTCP)
}

func TestDefaultResolverBuilder_UnixRejectsEmptyPath(t *testing.T) {
	target, err := url.Parse("unix://")
	require.NoError(t, err)
	_, err = DefaultResolverBuilder.Build(target, newRecordingListener())
	assert.Error(t, err)
}

func TestDefaultResolverBuilder_Passthrough(t *testing.T) {
	target, err := url.Parse("passthrough:///127.0.0.1:9090")
	require.NoError(t, err)

	lst := newRecordingListener()
	r, err := DefaultResolverBuilder.Build(target, lst)
	require.NoError(t, err)
	r.UpdateResolution()
	<-lst.notified

	require.Len(t, lst.addresses, 1)
	assert.Equal(t, "127.0.0.1:9090", lst.addresses[0].Addr)
	assert.True(t, lst.addresses[0].IsTCP)
}

func TestDefaultResolverBuilder_PassthroughOpaque(t *testing.T) {
	target, err := url.Parse("passthrough:127.0.0.1:9090")
	require.NoError(t, err)

	lst := newRecordingListener()
	r, err := DefaultResolverBuilder.Build(target, lst)
	require.NoError(t, err)
	r.UpdateResolution()
	<-lst.notified

	require.Len(t, lst.addresses, 1)
	assert.Equal(t, "127.0.0.1:9090", lst.addresses[0].Addr)
}

func TestDefaultResolverBuilder_DNS(t *testing.T) {
	target, err := url.Parse("dns:///localhost:9090")
	require.NoError(t, err)

	lst := newRecordingListener()
	r, err := DefaultResolverBuilder.Build(target, lst)
	require.NoError(t, err)
	r.UpdateResolution()
	<-lst.notified

	lst.mu.Lock()
	defer lst.mu.Unlock()
	if lst.err == nil {
		require.NotEmpty(t, lst.addresses)
		for _, a := range lst.addresses {
			assert.True(t, a.IsTCP)
			assert.Contains(t, a.Addr, ":9090")
		}
	}
}

func TestDefaultResolverBuilder_UnsupportedScheme(t *testing.T) {
	target, err := url.Parse("xds:///something")
	require.NoError(t, err)
	_, err = DefaultResolverBuilder.Build(target, newRecordingListener())
	assert.Error(t, err)
}

func TestStaticResolver_DeliversFixedAddresses(t *testing.T) {
	lst := newRecordingListener()
	r := &staticResolver{listener: lst, addresses: []Address{{Addr: "a", IsTCP: true}}}
	r.UpdateResolution()
	<-lst.notified
	assert.Equal(t, []Address{{Addr: "a", IsTCP: true}}, lst.addresses)
	r.Close() // no-op, must not panic
}

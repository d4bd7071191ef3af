package grpcserver

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsecure(t *testing.T) {
	c := Insecure()
	assert.False(t, c.IsSecure())
	assert.Nil(t, c.Settings())
}

func TestNewTLS(t *testing.T) {
	cfg := &tls.Config{ServerName: "example.com"}
	c := NewTLS(cfg)
	require.True(t, c.IsSecure())
	settings := c.Settings()
	require.NotNil(t, settings)
	assert.Same(t, cfg, settings.Config)
}

func TestNewTLS_PanicsOnNilConfig(t *testing.T) {
	assert.Panics(t, func() { NewTLS(nil) })
}

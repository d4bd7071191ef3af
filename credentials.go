package grpcserver

import "crypto/tls"

// TLSSettings is the subset of TLS configuration the bind engine needs in
// order to construct a TLS-capable HTTP/2 server. It mirrors the shape
// google.golang.org/grpc/credentials exposes via credentials.TLSInfo,
// adapted to this runtime's narrower Credentials contract.
type TLSSettings struct {
	Config *tls.Config
}

// Credentials supplies the parameters needed to construct either a
// plaintext or TLS-capable HTTP/2 server. It is an external collaborator:
// the core never parses certificates itself, it only asks IsSecure/Settings.
type Credentials interface {
	// IsSecure reports whether this credentials object requires TLS.
	IsSecure() bool
	// Settings returns the TLS parameters to use when IsSecure is true,
	// or nil when IsSecure is false.
	Settings() *TLSSettings
}

type insecureCredentials struct{}

func (insecureCredentials) IsSecure() bool          { return false }
func (insecureCredentials) Settings() *TLSSettings { return nil }

// Insecure returns Credentials selecting a plaintext (h2c) HTTP/2 server.
func Insecure() Credentials { return insecureCredentials{} }

type tlsCredentials struct {
	settings TLSSettings
}

func (t tlsCredentials) IsSecure() bool           { return true }
func (t tlsCredentials) Settings() *TLSSettings { return &t.settings }

// NewTLS returns Credentials selecting a TLS-capable HTTP/2 server
// configured from cfg. cfg must not be nil.
func NewTLS(cfg *tls.Config) Credentials {
	if cfg == nil {
		panic("grpcserver: NewTLS called with nil *tls.Config")
	}
	return tlsCredentials{settings: TLSSettings{Config: cfg}}
}

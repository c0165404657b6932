package transport

import (
	"crypto/tls"
	"sync"

	"github.com/pkg/errors"
)

// TLSOptions configures the TLS Driver. MinVersion/MaxVersion default to
// crypto/tls's own defaults (TLS 1.2+) but can be dialed down for older
// device firmware; crypto/tls cannot negotiate anonymous-DH or SSL 3.0 at
// all, so devices requiring those are out of reach regardless of this
// setting.
type TLSOptions struct {
	MinVersion uint16
	MaxVersion uint16
	// Certificates are the host's TLS credentials, loaded from the
	// Certificate Authority's persisted host chain.
	Certificates []tls.Certificate
}

// TLSSession drives a TLS client handshake over a Conn and, once
// established, frames plists over the encrypted stream the same way Conn
// frames them in plaintext.
type TLSSession struct {
	conn   *tls.Conn
	closed bool
	mu     sync.Mutex
}

// Upgrade performs the blocking TLS client handshake using adapter as
// both transport and record sink/source (adapter already satisfies
// net.Conn, so no push/pull shim is needed the way a non-Go TLS library
// would require).
func Upgrade(adapter *Conn, opts TLSOptions) (*TLSSession, error) {
	cfg := &tls.Config{
		Certificates:       opts.Certificates,
		InsecureSkipVerify: true, // devices present a certificate signed by no public CA
		MinVersion:         opts.MinVersion,
		MaxVersion:         opts.MaxVersion,
	}
	tlsConn := tls.Client(adapter, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, errors.Wrap(err, "transport: tls handshake")
	}
	return &TLSSession{conn: tlsConn}, nil
}

func (s *TLSSession) SendPlist(v any) error {
	return (&Conn{Conn: s.conn}).SendPlist(v)
}

func (s *TLSSession) RecvPlist(out any) error {
	return (&Conn{Conn: s.conn}).RecvPlist(out)
}

func (s *TLSSession) RecvBytes() ([]byte, error) {
	return (&Conn{Conn: s.conn}).RecvBytes()
}

// Close issues the TLS bidirectional close notification and releases the
// session. Idempotent: closing an already-closed session is a no-op.
func (s *TLSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"testing"
	"time"
)

func certPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func keyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM(der), keyPEM(key))
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	return cert
}

func TestUpgrade_HandshakeSucceeds(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	clientCert := selfSignedCert(t)
	serverCert := selfSignedCert(t)

	errc := make(chan error, 1)
	var serverSess *TLSSession
	go func() {
		var err error
		serverSess, err = Upgrade(New(server), TLSOptions{Certificates: []tls.Certificate{serverCert}})
		errc <- err
	}()

	clientSess, err := upgradeAsServer(New(client), clientCert)
	if err != nil {
		t.Fatalf("client-side tls.Server handshake: %v", err)
	}
	defer clientSess.Close()

	if err := <-errc; err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	defer serverSess.Close()
}

// upgradeAsServer drives the other half of the handshake: in the real
// protocol the device is the TLS server and this module's Client is
// always the TLS client, so the test pins down the opposite role on the
// net.Pipe peer to exercise Upgrade's client path honestly.
func upgradeAsServer(adapter *Conn, cert tls.Certificate) (*tls.Conn, error) {
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, ClientAuth: tls.NoClientCert}
	conn := tls.Server(adapter, cfg)
	if err := conn.Handshake(); err != nil {
		return nil, err
	}
	return conn, nil
}

func TestTLSSession_CloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cert := selfSignedCert(t)
	errc := make(chan error, 1)
	var serverSess *TLSSession
	go func() {
		var err error
		serverSess, err = Upgrade(New(server), TLSOptions{Certificates: []tls.Certificate{cert}})
		errc <- err
	}()

	clientTLS, err := upgradeAsServer(New(client), selfSignedCert(t))
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	defer clientTLS.Close()
	if err := <-errc; err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	// net.Pipe writes block until the peer reads, so the peer must be
	// reading for Close's close_notify alert to be delivered.
	go io.Copy(io.Discard, clientTLS)

	if err := serverSess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := serverSess.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

// Package pairing implements the certificate authority and pair/
// validate/unpair exchanges that establish trust with a device.
package pairing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"

	"github.com/blacktop/go-lockdown/lockdown/store"
)

// deviceCertValidity matches the host identity's own lifetime: pair
// records are long-lived and the device checks only the validity
// window, not chain constraints beyond the locally anchored root.
const deviceCertValidity = 10 * 365 * 24 * time.Hour

// CA issues device certificates chained to the host's persisted root.
type CA struct {
	Store store.Store
}

// IssueDeviceCertificate implements the Certificate Authority: given the
// device's PEM-encoded RSA public key, it produces the device, host and
// root certificates (all PEM) for a pair record.
//
// The original C implementation builds a placeholder private-key object
// whose modulus/exponent are the device's, because the crypto library it
// targets can only attach a subject public key to a certificate via a
// full private-key handle. x509.CreateCertificate takes the public key
// directly, so no placeholder is constructed here — the device only ever
// contributes its public parameters, exactly as before.
func (ca *CA) IssueDeviceCertificate(devicePublicKeyPEM []byte) (deviceCertPEM, hostCertPEM, rootCertPEM []byte, err error) {
	if len(devicePublicKeyPEM) == 0 {
		return nil, nil, nil, errors.New("pairing: empty device public key")
	}

	devicePub, err := parseRSAPublicKeyPEM(devicePublicKeyPEM)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "pairing: parse device public key")
	}

	identity, err := ca.Store.KeysAndCerts()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "pairing: load host identity")
	}

	rootKey, err := parseRSAPrivateKeyPEM(identity.RootKeyPEM)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "pairing: parse root key")
	}
	rootCert, err := parseCertificatePEM(identity.RootCertPEM)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "pairing: parse root certificate")
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(0).SetBytes([]byte{0}),
		Subject:               pkix.Name{CommonName: "Device"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(deviceCertValidity),
		IsCA:                  false,
		BasicConstraintsValid: true,
		Version:               3,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, rootCert, devicePub, rootKey)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "pairing: issue device certificate")
	}
	deviceCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	return deviceCertPEM, identity.HostCertPEM, identity.RootCertPEM, nil
}

func parseRSAPublicKeyPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		// some devices answer with a bare DER blob rather than PEM.
		return parseRSAPublicKeyDER(pemBytes)
	}
	return parseRSAPublicKeyDER(block.Bytes)
}

func parseRSAPublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "not a recognizable RSA public key")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return rsaPub, nil
}

func parseRSAPrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("pairing: no PEM block in private key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func parseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("pairing: no PEM block in certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

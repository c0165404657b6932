package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	kv "github.com/blacktop/go-lockdown/internal/store"
)

const (
	keyHostID   = "host_id"
	keyRootKey  = "root_key"
	keyRootCert = "root_cert"
	keyHostKey  = "host_key"
	keyHostCert = "host_cert"
)

// FileStore is the default Store. It keeps the host identity and
// per-device pair records as key/value entries in a Local disk-backed
// kv.Store, and layers the certificate-provisioning logic required by
// the preference store on top.
type FileStore struct {
	kv  kv.Store
	dir string
}

// NewFileStore returns a Store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	local := kv.NewLocal(dir)
	if err := local.Connect(); err != nil {
		return nil, errors.Wrap(err, "store: connect local backing store")
	}
	return &FileStore{kv: local, dir: dir}, nil
}

func deviceKey(udid string) string       { return "device:" + udid + ":pubkey" }
func deviceEscrowKey(udid string) string { return "device:" + udid + ":escrow" }

func (s *FileStore) get(key string) ([]byte, bool, error) {
	v, err := s.kv.Get([]byte(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return v, true, nil
}

func (s *FileStore) put(key string, value []byte) error {
	return s.kv.Put([]byte(key), value)
}

// HostID returns the persisted host identifier, creating one under an
// exclusive-create lock file if this is the first call anywhere against
// dir — two processes racing to provision identity can't both "win".
func (s *FileStore) HostID() (string, error) {
	if data, ok, err := s.get(keyHostID); err != nil {
		return "", errors.Wrap(err, "store: read host id")
	} else if ok {
		return string(data), nil
	}

	lockPath := filepath.Join(s.dir, ".host_id.lock")
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			// Another process is provisioning right now; whichever of
			// us loses the race below will just re-read what won.
			if data, ok, rerr := s.get(keyHostID); rerr == nil && ok {
				return string(data), nil
			}
		}
		return "", errors.Wrap(err, "store: acquire host id lock")
	}
	defer func() {
		lock.Close()
		os.Remove(lockPath)
	}()

	if data, ok, err := s.get(keyHostID); err == nil && ok {
		return string(data), nil
	}

	id := strings.ToUpper(uuid.New().String())
	if err := s.put(keyHostID, []byte(id)); err != nil {
		return "", errors.Wrap(err, "store: persist host id")
	}
	return id, nil
}

// KeysAndCerts lazily provisions the host identity: a self-signed 2048
// bit RSA root, and a host key+cert signed by that root. Both live ten
// years, matching the device-facing pair certificate's own lifetime.
// First-time creation runs under an exclusive-create lock file, as in
// HostID.
func (s *FileStore) KeysAndCerts() (*Identity, error) {
	if id, ok, err := s.readIdentity(); err != nil {
		return nil, err
	} else if ok {
		return id, nil
	}

	lockPath := filepath.Join(s.dir, ".identity.lock")
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			if id, ok, rerr := s.readIdentity(); rerr == nil && ok {
				return id, nil
			}
		}
		return nil, errors.Wrap(err, "store: acquire identity lock")
	}
	defer func() {
		lock.Close()
		os.Remove(lockPath)
	}()
	if id, ok, err := s.readIdentity(); err == nil && ok {
		return id, nil
	}

	rootKey, rootCertDER, err := generateSelfSignedRoot()
	if err != nil {
		return nil, errors.Wrap(err, "store: generate root identity")
	}
	hostKey, hostCertDER, err := generateHostCert(rootKey, rootCertDER)
	if err != nil {
		return nil, errors.Wrap(err, "store: generate host identity")
	}

	rootKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rootKey)})
	rootCertPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootCertDER})
	hostKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(hostKey)})
	hostCertPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: hostCertDER})

	for key, data := range map[string][]byte{
		keyRootKey:  rootKeyPEM,
		keyRootCert: rootCertPEM,
		keyHostKey:  hostKeyPEM,
		keyHostCert: hostCertPEM,
	} {
		if err := s.put(key, data); err != nil {
			return nil, errors.Wrapf(err, "store: persist %s", key)
		}
	}

	return &Identity{
		RootKeyPEM:  rootKeyPEM,
		RootCertPEM: rootCertPEM,
		HostKeyPEM:  hostKeyPEM,
		HostCertPEM: hostCertPEM,
	}, nil
}

func (s *FileStore) readIdentity() (*Identity, bool, error) {
	keys := []string{keyRootKey, keyRootCert, keyHostKey, keyHostCert}
	blobs := make([][]byte, len(keys))
	for i, k := range keys {
		data, ok, err := s.get(k)
		if err != nil {
			return nil, false, errors.Wrapf(err, "store: read %s", k)
		}
		if !ok {
			return nil, false, nil
		}
		blobs[i] = data
	}
	return &Identity{
		RootKeyPEM:  blobs[0],
		RootCertPEM: blobs[1],
		HostKeyPEM:  blobs[2],
		HostCertPEM: blobs[3],
	}, true, nil
}

func (s *FileStore) CertsAsPEM() (rootPEM, hostPEM []byte, err error) {
	id, err := s.KeysAndCerts()
	if err != nil {
		return nil, nil, err
	}
	return id.RootCertPEM, id.HostCertPEM, nil
}

func (s *FileStore) HasDevicePublicKey(udid string) (bool, error) {
	_, ok, err := s.get(deviceKey(udid))
	return ok, err
}

func (s *FileStore) DevicePublicKey(udid string) ([]byte, bool, error) {
	return s.get(deviceKey(udid))
}

func (s *FileStore) SetDevicePublicKey(udid string, pemBlob []byte) error {
	return s.put(deviceKey(udid), pemBlob)
}

func (s *FileStore) RemoveDevicePublicKey(udid string) error {
	if err := s.kv.Delete([]byte(deviceKey(udid))); err != nil {
		return errors.Wrap(err, "store: remove device record")
	}
	return nil
}

func (s *FileStore) SetEscrowBag(udid string, bag []byte) error {
	return s.put(deviceEscrowKey(udid), bag)
}

func (s *FileStore) EscrowBag(udid string) ([]byte, bool, error) {
	return s.get(deviceEscrowKey(udid))
}

func generateSelfSignedRoot() (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "go-lockdown Root CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

func generateHostCert(rootKey *rsa.PrivateKey, rootCertDER []byte) (*rsa.PrivateKey, []byte, error) {
	rootCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		return nil, nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "go-lockdown Host"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		IsCA:         false,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, nil, err
	}
	return key, der, nil
}

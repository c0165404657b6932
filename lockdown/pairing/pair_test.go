package pairing

import (
	"errors"
	"testing"

	"github.com/blacktop/go-lockdown/lockdown/store"
)

// memStore is a tiny in-memory store.Store for exercising the Pairing
// Engine without touching disk.
type memStore struct {
	identity *store.Identity
	pubKeys  map[string][]byte
	escrow   map[string][]byte
}

func newMemStore(identity *store.Identity) *memStore {
	return &memStore{identity: identity, pubKeys: map[string][]byte{}, escrow: map[string][]byte{}}
}

func (m *memStore) HostID() (string, error)                 { return "HOST-ID", nil }
func (m *memStore) KeysAndCerts() (*store.Identity, error)  { return m.identity, nil }
func (m *memStore) CertsAsPEM() ([]byte, []byte, error) {
	return m.identity.RootCertPEM, m.identity.HostCertPEM, nil
}
func (m *memStore) HasDevicePublicKey(udid string) (bool, error) {
	_, ok := m.pubKeys[udid]
	return ok, nil
}
func (m *memStore) SetDevicePublicKey(udid string, pem []byte) error {
	m.pubKeys[udid] = pem
	return nil
}
func (m *memStore) DevicePublicKey(udid string) ([]byte, bool, error) {
	v, ok := m.pubKeys[udid]
	return v, ok, nil
}
func (m *memStore) RemoveDevicePublicKey(udid string) error {
	delete(m.pubKeys, udid)
	return nil
}
func (m *memStore) SetEscrowBag(udid string, bag []byte) error { m.escrow[udid] = bag; return nil }
func (m *memStore) EscrowBag(udid string) ([]byte, bool, error) {
	v, ok := m.escrow[udid]
	return v, ok, nil
}

// scriptedRequester answers GetValue with a fixed device public key PEM
// and records/answers the Pair/ValidatePair/Unpair request according to
// a canned result.
type scriptedRequester struct {
	devicePubKeyPEM []byte
	result          string
	errorString     string
	escrowBag       []byte
	lastPairVerb    string
}

func (r *scriptedRequester) Request(req, resp any) error {
	switch v := req.(type) {
	case *getDevicePublicKeyRequest:
		out := resp.(*getDevicePublicKeyResponse)
		out.Request = v.Request
		out.Result = "Success"
		out.Value = r.devicePubKeyPEM
	case *pairRequest:
		r.lastPairVerb = v.Request
		out := resp.(*pairResponse)
		out.Request = v.Request
		out.Result = r.result
		out.Error = r.errorString
		out.EscrowBag = r.escrowBag
	}
	return nil
}

func TestEngine_Do_PairSuccess(t *testing.T) {
	id := newFakeIdentity(t)
	st := newMemStore(id)
	req := &scriptedRequester{devicePubKeyPEM: devicePublicKeyPEM(t), result: "Success", escrowBag: []byte("bag")}
	engine := &Engine{CA: &CA{Store: st}, Store: st}

	bag, err := engine.Do(req, VerbPair, "UDID-1", "mylabel", "HOST-ID")
	if err != nil {
		t.Fatalf("Do(Pair): %v", err)
	}
	if string(bag) != "bag" {
		t.Errorf("escrow bag = %q, want %q", bag, "bag")
	}
	if req.lastPairVerb != "Pair" {
		t.Errorf("sent verb = %q, want Pair", req.lastPairVerb)
	}
	if ok, _ := st.HasDevicePublicKey("UDID-1"); !ok {
		t.Error("expected device public key to be persisted after successful Pair")
	}
}

func TestEngine_Do_UnpairRemovesStoredKey(t *testing.T) {
	id := newFakeIdentity(t)
	st := newMemStore(id)
	st.pubKeys["UDID-1"] = devicePublicKeyPEM(t)
	req := &scriptedRequester{devicePubKeyPEM: devicePublicKeyPEM(t), result: "Success"}
	engine := &Engine{CA: &CA{Store: st}, Store: st}

	if _, err := engine.Do(req, VerbUnpair, "UDID-1", "", "HOST-ID"); err != nil {
		t.Fatalf("Do(Unpair): %v", err)
	}
	if ok, _ := st.HasDevicePublicKey("UDID-1"); ok {
		t.Error("expected device public key to be removed after Unpair")
	}
}

func TestEngine_Do_PasswordProtected(t *testing.T) {
	id := newFakeIdentity(t)
	st := newMemStore(id)
	req := &scriptedRequester{devicePubKeyPEM: devicePublicKeyPEM(t), result: "Failure", errorString: "PasswordProtected"}
	engine := &Engine{CA: &CA{Store: st}, Store: st}

	_, err := engine.Do(req, VerbPair, "UDID-1", "", "HOST-ID")
	var pwErr PasswordProtectedError
	if !errors.As(err, &pwErr) {
		t.Fatalf("expected PasswordProtectedError, got %v", err)
	}
	if ok, _ := st.HasDevicePublicKey("UDID-1"); ok {
		t.Error("a failed pair must not persist a device public key")
	}
}

func TestEngine_Do_OtherFailureRetainsRawString(t *testing.T) {
	id := newFakeIdentity(t)
	st := newMemStore(id)
	req := &scriptedRequester{devicePubKeyPEM: devicePublicKeyPEM(t), result: "Failure", errorString: "SomeWeirdReason"}
	engine := &Engine{CA: &CA{Store: st}, Store: st}

	_, err := engine.Do(req, VerbValidatePair, "UDID-1", "", "HOST-ID")
	var failErr FailedError
	if !errors.As(err, &failErr) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	if failErr.Raw != "SomeWeirdReason" {
		t.Errorf("Raw = %q, want %q", failErr.Raw, "SomeWeirdReason")
	}
}

package pairing

import (
	"github.com/pkg/errors"

	"github.com/blacktop/go-lockdown/lockdown/store"
)

// Requester is the minimal capability the Pairing Engine needs from a
// Session Manager: send one request, get back one response. It lets this
// package stay independent of the lockdown package's Client type.
type Requester interface {
	Request(req, resp any) error
}

// Verb selects which of the three pairing exchanges Do performs.
// All three share one wire shape and differ only in the verb and the
// bookkeeping performed on success.
type Verb string

const (
	VerbPair         Verb = "Pair"
	VerbValidatePair Verb = "ValidatePair"
	VerbUnpair       Verb = "Unpair"
)

// Engine executes Pair/ValidatePair/Unpair against a device.
type Engine struct {
	CA    *CA
	Store store.Store
}

type getDevicePublicKeyRequest struct {
	Label   string `plist:"Label,omitempty"`
	Request string `plist:"Request"`
	Domain  string `plist:"Domain,omitempty"`
	Key     string `plist:"Key"`
}

type getDevicePublicKeyResponse struct {
	Request string `plist:"Request,omitempty"`
	Result  string `plist:"Result,omitempty"`
	Error   string `plist:"Error,omitempty"`
	Value   any    `plist:"Value,omitempty"`
}

type pairRecordWire struct {
	DeviceCertificate []byte `plist:"DeviceCertificate"`
	HostCertificate   []byte `plist:"HostCertificate"`
	RootCertificate   []byte `plist:"RootCertificate"`
	HostID            string `plist:"HostID"`
}

type pairRequest struct {
	Label      string         `plist:"Label,omitempty"`
	Request    string         `plist:"Request"`
	PairRecord pairRecordWire `plist:"PairRecord"`
}

type pairResponse struct {
	Request   string `plist:"Request,omitempty"`
	Result    string `plist:"Result,omitempty"`
	Error     string `plist:"Error,omitempty"`
	EscrowBag []byte `plist:"EscrowBag,omitempty"`
}

// PasswordProtectedError is returned when a pairing attempt fails
// because the device is passcode-locked. errors.As recovers it.
type PasswordProtectedError struct{}

func (PasswordProtectedError) Error() string { return "pairing: device is password protected" }

// FailedError is returned for any pairing failure other than
// PasswordProtected; Raw retains the device's error string for logging.
type FailedError struct {
	Raw string
}

func (e FailedError) Error() string { return "pairing: failed: " + e.Raw }

// Do runs verb end to end: fetch the device's public key, mint
// certificates, send the PairRecord, and update the stored public key
// on success (or remove it, for Unpair).
func (e *Engine) Do(req Requester, verb Verb, udid, label, hostID string) (escrowBag []byte, err error) {
	devicePubPEM, err := e.getDevicePublicKey(req, label)
	if err != nil {
		return nil, err
	}

	deviceCert, hostCert, rootCert, err := e.CA.IssueDeviceCertificate(devicePubPEM)
	if err != nil {
		return nil, errors.Wrap(err, "pairing: issue certificates")
	}

	wireReq := &pairRequest{
		Label:   label,
		Request: string(verb),
		PairRecord: pairRecordWire{
			DeviceCertificate: deviceCert,
			HostCertificate:   hostCert,
			RootCertificate:   rootCert,
			HostID:            hostID,
		},
	}
	var resp pairResponse
	if err := req.Request(wireReq, &resp); err != nil {
		return nil, errors.Wrap(err, "pairing: request")
	}
	if resp.Request != string(verb) {
		return nil, errors.Errorf("pairing: malformed response, expected verb %s got %s", verb, resp.Request)
	}

	switch resp.Result {
	case "Success":
		if verb == VerbUnpair {
			if err := e.Store.RemoveDevicePublicKey(udid); err != nil {
				return nil, errors.Wrap(err, "pairing: remove stored public key")
			}
		} else {
			if err := e.Store.SetDevicePublicKey(udid, devicePubPEM); err != nil {
				return nil, errors.Wrap(err, "pairing: persist public key")
			}
		}
		return resp.EscrowBag, nil
	case "Failure":
		if resp.Error == "PasswordProtected" {
			return nil, PasswordProtectedError{}
		}
		return nil, FailedError{Raw: resp.Error}
	default:
		return nil, errors.New("pairing: malformed response, missing Result")
	}
}

func (e *Engine) getDevicePublicKey(req Requester, label string) ([]byte, error) {
	wireReq := &getDevicePublicKeyRequest{
		Label:   label,
		Request: "GetValue",
		Key:     "DevicePublicKey",
	}
	var resp getDevicePublicKeyResponse
	if err := req.Request(wireReq, &resp); err != nil {
		return nil, errors.Wrap(err, "pairing: fetch device public key")
	}
	if resp.Error != "" {
		return nil, errors.Errorf("pairing: fetch device public key: %s", resp.Error)
	}

	// lockdownd_get_device_public_key assumes a `data` node; some
	// devices answer with a `string` (PEM text) node instead, so both
	// are accepted here.
	switch v := resp.Value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("pairing: DevicePublicKey value is neither data nor string")
	}
}

package lockdown

import (
	"crypto/tls"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/go-lockdown/lockdown/pairing"
	"github.com/blacktop/go-lockdown/lockdown/transport"
)

// QueryType asks the device to identify the service it's speaking to.
// A mismatch against the expected lockdown service identifier is a soft
// warning, logged by the caller's handshake, never fatal here.
func (c *Client) QueryType() (string, error) {
	req := &queryTypeRequest{labeled: c.label(), Request: "QueryType"}
	var resp queryTypeResponse
	if err := c.Request(req, &resp); err != nil {
		return "", err
	}
	switch checkResult(resp.Envelope, "QueryType") {
	case statusSuccess:
		return resp.Type, nil
	case statusFailure:
		return "", errorFromServerString(resp.Error, CodeUnknown)
	default:
		return "", newError(CodeNotEnoughData, errors.New("QueryType: malformed response"))
	}
}

// GetValue reads domain/key from the device. Both empty means "the
// global preferences dictionary".
func (c *Client) GetValue(domain, key string) (any, error) {
	req := &getValueRequest{labeled: c.label(), Request: "GetValue", Domain: domain, Key: key}
	var resp getValueResponse
	if err := c.Request(req, &resp); err != nil {
		return nil, err
	}
	switch checkResult(resp.Envelope, "GetValue") {
	case statusSuccess:
		return resp.Value, nil
	case statusFailure:
		return nil, errorFromServerString(resp.Error, CodeUnknown)
	default:
		return nil, newError(CodeNotEnoughData, errors.New("GetValue: malformed response"))
	}
}

func (c *Client) getValueString(domain, key string) (string, error) {
	v, err := c.GetValue(domain, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", newError(CodeNotEnoughData, errors.Errorf("GetValue(%s,%s): expected string", domain, key))
	}
	return s, nil
}

// SetValue writes value at domain/key.
func (c *Client) SetValue(domain, key string, value any) error {
	if value == nil {
		return newError(CodeInvalidArgument, errors.New("SetValue: nil value"))
	}
	req := &setValueRequest{labeled: c.label(), Request: "SetValue", Domain: domain, Key: key, Value: value}
	var resp Envelope
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	switch checkResult(resp, "SetValue") {
	case statusSuccess:
		return nil
	case statusFailure:
		return errorFromServerString(resp.Error, CodeUnknown)
	default:
		return newError(CodeNotEnoughData, errors.New("SetValue: malformed response"))
	}
}

// RemoveValue deletes domain/key.
func (c *Client) RemoveValue(domain, key string) error {
	req := &removeValueRequest{labeled: c.label(), Request: "RemoveValue", Domain: domain, Key: key}
	var resp Envelope
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	switch checkResult(resp, "RemoveValue") {
	case statusSuccess:
		return nil
	case statusFailure:
		return errorFromServerString(resp.Error, CodeUnknown)
	default:
		return newError(CodeNotEnoughData, errors.New("RemoveValue: malformed response"))
	}
}

// StartSession opens a trusted session using hostID, tearing down any
// session already open on this handle first. On success it stores the
// session id and, if the device requested it, drives the TLS Driver to
// completion over the same connection.
func (c *Client) StartSession(hostID string) (sessionID string, sslEnabled bool, err error) {
	if c.sessionID != "" {
		if err := c.StopSession(); err != nil {
			log.WithError(err).Debug("lockdown: stopping previous session before StartSession")
		}
	}

	req := &startSessionRequest{labeled: c.label(), Request: "StartSession", HostID: hostID}
	var resp startSessionResponse
	if err := c.Request(req, &resp); err != nil {
		return "", false, err
	}

	switch checkResult(resp.Envelope, "StartSession") {
	case statusSuccess:
		c.sessionID = resp.SessionID
		if resp.EnableSessionSSL {
			if err := c.enableSSL(); err != nil {
				return "", false, newError(CodeSslError, err)
			}
		}
		return resp.SessionID, resp.EnableSessionSSL, nil
	case statusFailure:
		if resp.Error == "InvalidHostID" {
			return "", false, newError(CodeInvalidHostID, nil)
		}
		return "", false, errorFromServerString(resp.Error, CodeUnknown)
	default:
		return "", false, newError(CodeNotEnoughData, errors.New("StartSession: malformed response"))
	}
}

func (c *Client) enableSSL() error {
	id, err := c.store.KeysAndCerts()
	if err != nil {
		return err
	}
	cert, err := tls.X509KeyPair(id.HostCertPEM, id.HostKeyPEM)
	if err != nil {
		return errors.Wrap(err, "lockdown: load host TLS credentials")
	}
	sess, err := transport.Upgrade(c.conn, transport.TLSOptions{
		MinVersion:   c.opts.MinTLSVersion,
		MaxVersion:   c.opts.MaxTLSVersion,
		Certificates: []tls.Certificate{cert},
	})
	if err != nil {
		return err
	}
	c.tls = sess
	return nil
}

// StopSession sends StopSession and unconditionally tears down local
// TLS state and clears the session id, regardless of the server's
// response.
func (c *Client) StopSession() error {
	if c.sessionID == "" {
		return newError(CodeNoRunningSession, nil)
	}
	req := &stopSessionRequest{labeled: c.label(), Request: "StopSession", SessionID: c.sessionID}
	var resp Envelope
	reqErr := c.Request(req, &resp)

	c.sessionID = ""
	if c.tls != nil {
		if err := c.tls.Close(); err != nil {
			log.WithError(err).Debug("lockdown: tls close during StopSession")
		}
		c.tls = nil
	}

	if reqErr != nil {
		return reqErr
	}
	if checkResult(resp, "StopSession") == statusFailure {
		return errorFromServerString(resp.Error, CodeUnknown)
	}
	return nil
}

// StartService asks lockdown to spawn service and returns the port the
// caller should reconnect to via the multiplexer.
func (c *Client) StartService(service string, withEscrowBag bool) (port uint16, enableServiceSSL bool, err error) {
	if c.sessionID == "" {
		return 0, false, newError(CodeNoRunningSession, nil)
	}
	req := &startServiceRequest{labeled: c.label(), Request: "StartService", Service: service}
	if withEscrowBag {
		if bag, ok, err := c.store.EscrowBag(c.udid); err == nil && ok {
			req.EscrowBag = bag
		}
	}
	var resp startServiceResponse
	if err := c.Request(req, &resp); err != nil {
		return 0, false, err
	}
	switch checkResult(resp.Envelope, "StartService") {
	case statusSuccess:
		return resp.Port, resp.EnableServiceSSL, nil
	case statusFailure:
		return 0, false, newErrorf(CodeStartServiceFailed, "StartService(%s): %s", service, resp.Error)
	default:
		return 0, false, newError(CodeNotEnoughData, errors.New("StartService: malformed response"))
	}
}

// Activate sends an activation record to the device.
func (c *Client) Activate(record any) error {
	if c.sessionID == "" {
		return newError(CodeNoRunningSession, nil)
	}
	if record == nil {
		return newError(CodeInvalidArgument, errors.New("Activate: nil record"))
	}
	req := &activateRequest{labeled: c.label(), Request: "Activate", ActivationRecord: record}
	var resp Envelope
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	if checkResult(resp, "Activate") == statusFailure {
		return newErrorf(CodeActivationFailed, "Activate: %s", resp.Error)
	}
	return nil
}

// Deactivate reverses Activate.
func (c *Client) Deactivate() error {
	if c.sessionID == "" {
		return newError(CodeNoRunningSession, nil)
	}
	req := &goodbyeRequest{labeled: c.label(), Request: "Deactivate"}
	var resp Envelope
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	if checkResult(resp, "Deactivate") == statusFailure {
		return newErrorf(CodeActivationFailed, "Deactivate: %s", resp.Error)
	}
	return nil
}

// EnterRecovery asks the device to reboot into recovery mode.
func (c *Client) EnterRecovery() error {
	req := &goodbyeRequest{labeled: c.label(), Request: "EnterRecovery"}
	var resp Envelope
	if err := c.Request(req, &resp); err != nil {
		return err
	}
	if checkResult(resp, "EnterRecovery") == statusFailure {
		return errorFromServerString(resp.Error, CodeUnknown)
	}
	return nil
}

// Goodbye politely ends the protocol exchange.
func (c *Client) Goodbye() error {
	req := &goodbyeRequest{labeled: c.label(), Request: "Goodbye"}
	var resp Envelope
	return c.Request(req, &resp)
}

// Pair, ValidatePair and Unpair all go through doPair and the Pairing
// Engine's Do; ValidatePair is exposed as its own public operation (mirroring
// the original's lockdownd_validate_pair) so callers can probe trust
// without re-pairing.

func (c *Client) Pair(hostID string) (escrowBag []byte, err error) {
	return c.doPair(pairing.VerbPair, hostID)
}

func (c *Client) ValidatePair(hostID string) (escrowBag []byte, err error) {
	return c.doPair(pairing.VerbValidatePair, hostID)
}

func (c *Client) Unpair(hostID string) (escrowBag []byte, err error) {
	return c.doPair(pairing.VerbUnpair, hostID)
}

func (c *Client) doPair(verb pairing.Verb, hostID string) ([]byte, error) {
	bag, err := c.pairing.Do(c, verb, c.udid, c.opts.Label, hostID)
	if err != nil {
		var pwErr pairing.PasswordProtectedError
		var failErr pairing.FailedError
		switch {
		case errors.As(err, &pwErr):
			return nil, newError(CodePasswordProtected, err)
		case errors.As(err, &failErr):
			return nil, &Error{Code: CodePairingFailed, Raw: failErr.Raw, Cause: err}
		default:
			return nil, newError(CodeUnknown, err)
		}
	}
	if len(bag) > 0 {
		if err := c.store.SetEscrowBag(c.udid, bag); err != nil {
			log.WithError(err).Debug("lockdown: persist escrow bag")
		}
	}
	return bag, nil
}

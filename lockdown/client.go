// Package lockdown implements the client side of the lockdown control
// protocol: request/response exchange over property lists, pairing and
// trust establishment, session lifecycle, and the TLS upgrade that
// protects most of it.
package lockdown

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/go-lockdown/lockdown/pairing"
	"github.com/blacktop/go-lockdown/lockdown/store"
	"github.com/blacktop/go-lockdown/lockdown/transport"
	"github.com/blacktop/go-lockdown/usbmux"
)

const lockdownServiceType = "com.apple.mobile.lockdown"

// Client is a single-threaded handle to one device's lockdown service.
// It owns its transport exclusively; the optional TLS session borrows
// that transport for its lifetime and never outlives the Client.
type Client struct {
	opts  Options
	store store.Store

	conn *transport.Conn
	tls  *transport.TLSSession

	sessionID string
	udid      string

	pairing *pairing.Engine
}

// NewClient performs the full-trust handshake described in the
// component design: open a plain channel to the device's lockdown
// port, QueryType, fetch the device UDID, load the host id, pair if
// necessary, always validate the pairing, then start a session.
func NewClient(udid string, opts *Options) (*Client, error) {
	if udid == "" {
		return nil, newError(CodeInvalidArgument, errors.New("empty udid"))
	}
	if opts == nil {
		var err error
		opts, err = NewOptions()
		if err != nil {
			return nil, newError(CodeInvalidConfiguration, err)
		}
	}

	st, err := opts.store()
	if err != nil {
		return nil, newError(CodeInvalidConfiguration, err)
	}

	conn, err := usbmux.Dial(udid, PlistPort)
	if err != nil {
		return nil, newError(CodeMuxError, err)
	}

	c := &Client{
		opts:  *opts,
		store: st,
		conn:  transport.New(conn),
		udid:  udid,
	}
	c.pairing = &pairing.Engine{CA: &pairing.CA{Store: st}, Store: st}

	if err := c.handshake(); err != nil {
		c.conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	typ, err := c.QueryType()
	if err != nil {
		return err
	}
	if typ != lockdownServiceType {
		log.Warnf("lockdown: unexpected service type %q", typ)
	}

	if deviceUDID, err := c.getValueString("", "UniqueDeviceID"); err == nil && deviceUDID != "" {
		c.udid = deviceUDID
	}

	hostID, err := c.store.HostID()
	if err != nil {
		return newError(CodeInvalidConfiguration, err)
	}

	paired, err := c.store.HasDevicePublicKey(c.udid)
	if err != nil {
		return newError(CodeInvalidConfiguration, err)
	}
	if !paired {
		if _, err := c.Pair(hostID); err != nil {
			return err
		}
	}

	if _, err := c.ValidatePair(hostID); err != nil {
		return err
	}

	if _, _, err := c.StartSession(hostID); err != nil {
		return err
	}
	return nil
}

// Request sends req over whichever transport (plain or TLS) is
// currently active and reads back the matching response. Satisfies
// pairing.Requester.
func (c *Client) Request(req, resp any) error {
	if c.tls != nil {
		if err := c.tls.SendPlist(req); err != nil {
			return newError(CodeSslError, err)
		}
		if err := c.tls.RecvPlist(resp); err != nil {
			return newError(CodeSslError, err)
		}
		return nil
	}
	if err := c.conn.SendPlist(req); err != nil {
		return newError(CodeMuxError, err)
	}
	if err := c.conn.RecvPlist(resp); err != nil {
		return newError(CodePlistError, err)
	}
	return nil
}

// Close tears down the client: if a session is open, StopSession, then
// Goodbye, then release the transport. Errors during teardown are
// logged and swallowed — resources are always released.
func (c *Client) Close() error {
	if c.sessionID != "" {
		if err := c.StopSession(); err != nil {
			log.WithError(err).Debug("lockdown: StopSession during close")
		}
	}
	if err := c.Goodbye(); err != nil {
		log.WithError(err).Debug("lockdown: Goodbye during close")
	}
	if c.tls != nil {
		if err := c.tls.Close(); err != nil {
			log.WithError(err).Debug("lockdown: tls close during close")
		}
		c.tls = nil
	}
	return c.conn.Close()
}

// UDID returns the device identifier fetched during the handshake.
func (c *Client) UDID() string { return c.udid }

// SessionID returns the currently active session id, or "" if none.
func (c *Client) SessionID() string { return c.sessionID }

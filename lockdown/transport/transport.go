// Package transport bridges a raw device connection (as handed back by
// the usbmux collaborator) to the two I/O modes the lockdown protocol
// needs: plaintext framed plists, and TLS records riding on the same
// connection.
package transport

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/blacktop/go-plist"
	"github.com/pkg/errors"
)

// Conn frames property-list messages over a raw net.Conn: a big-endian
// uint32 length prefix followed by an XML-serialized plist body. It also
// satisfies net.Conn itself, unframed, so it can be handed straight to
// crypto/tls as the TLS record transport (component C borrows it as its
// push/pull sink/source).
type Conn struct {
	net.Conn
}

// New wraps an already-dialed device connection.
func New(conn net.Conn) *Conn {
	return &Conn{Conn: conn}
}

// SendPlist marshals v as an XML plist and writes it length-prefixed.
func (c *Conn) SendPlist(v any) error {
	data, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return errors.Wrap(err, "transport: marshal plist")
	}
	if err := binary.Write(c.Conn, binary.BigEndian, uint32(len(data))); err != nil {
		return errors.Wrap(err, "transport: write length prefix")
	}
	if _, err := c.Conn.Write(data); err != nil {
		return errors.Wrap(err, "transport: write plist body")
	}
	return nil
}

// RecvPlist reads one length-prefixed plist and unmarshals it into out.
// The body read always uses io.ReadFull: a packet-oriented connection
// delivering the length prefix and body across several reads must never
// be mistaken for end-of-message.
func (c *Conn) RecvPlist(out any) error {
	data, err := c.RecvBytes()
	if err != nil {
		return err
	}
	if _, err := plist.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "transport: unmarshal plist")
	}
	return nil
}

// RecvBytes reads one length-prefixed frame and returns its raw body,
// for callers that need the bytes before deciding how to decode them.
// RecvPlist is built on it.
func (c *Conn) RecvBytes() ([]byte, error) {
	var size uint32
	if err := binary.Read(c.Conn, binary.BigEndian, &size); err != nil {
		return nil, errors.Wrap(err, "transport: read length prefix")
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.Conn, data); err != nil {
		return nil, errors.Wrap(err, "transport: read plist body")
	}
	return data, nil
}

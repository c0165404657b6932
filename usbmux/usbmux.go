// Package usbmux is a minimal client for the usbmuxd multiplexer control
// socket: enough to enumerate attached devices and open a byte stream to
// one of their ports. It knows nothing about lockdown, pairing, or plists
// beyond what's needed to speak usbmuxd's own framing.
package usbmux

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/blacktop/go-plist"
	"github.com/pkg/errors"
)

const (
	progName            = "go-lockdown"
	bundleID            = "com.blacktop.go-lockdown"
	clientVersionString = "go-lockdown-usbmux-0.1.0"
	libUSBMuxVersion    = 3
)

// Header is the usbmuxd wire header: little-endian, fixed size, precedes
// every plist payload exchanged with the multiplexer.
type Header struct {
	Length      uint32
	Version     uint32
	MessageType uint32
	Tag         uint32
}

var headerSize = uint32(binary.Size(Header{}))

// Conn is a connection to the usbmuxd control socket.
type Conn struct {
	net.Conn
	tag uint32
}

// NewConn dials usbmuxd. On Linux/macOS this is a unix domain socket; on
// Windows the multiplexer is reached over a local TCP port instead.
func NewConn() (*Conn, error) {
	conn, err := usbmuxdDial()
	if err != nil {
		return nil, errors.Wrap(err, "usbmux: failed to connect to usbmuxd")
	}
	return &Conn{Conn: conn}, nil
}

type resultValue int

const (
	resultOK resultValue = iota
	resultBadCommand
	resultBadDevice
	resultConnectionRefused
)

type connectMessage struct {
	BundleID            string
	ClientVersionString string
	MessageType         string
	ProgName            string
	LibUSBMuxVersion    uint32 `plist:"kLibUSBMuxVersion"`
	DeviceID            uint32
	PortNumber          uint16
}

type resultResponse struct {
	Number resultValue
}

// Dial asks usbmuxd to connect deviceID's port and, on success, turns this
// Conn into a raw byte pipe to that port — no further usbmux framing
// applies once Dial returns without error.
func (c *Conn) Dial(deviceID int, port uint16) error {
	req := &connectMessage{
		BundleID:            bundleID,
		ClientVersionString: clientVersionString,
		MessageType:         "Connect",
		ProgName:            progName,
		LibUSBMuxVersion:    libUSBMuxVersion,
		DeviceID:            uint32(deviceID),
		PortNumber:          htons(port),
	}
	var resp resultResponse
	if err := c.request(req, &resp); err != nil {
		return err
	}
	if resp.Number == resultConnectionRefused {
		return syscall.ECONNREFUSED
	}
	if resp.Number != resultOK {
		return fmt.Errorf("usbmux: connect refused with code %d", resp.Number)
	}
	return nil
}

type listDevicesRequest struct {
	MessageType         string
	ProgName            string
	ClientVersionString string
}

type listDevicesResponse struct {
	DeviceList []*deviceAttached
}

type deviceAttached struct {
	MessageType string
	DeviceID    int
	Properties  *Device
}

// Device is a USB-attached device as reported by usbmuxd.
type Device struct {
	ConnectionSpeed int
	ConnectionType  string
	DeviceID        int
	LocationID      int
	ProductID       int
	SerialNumber    string
	UDID            string
	USBSerialNumber string
}

func (d Device) String() string {
	return fmt.Sprintf("Device{UDID: %s, DeviceID: %d, ConnectionType: %s, ProductID: %#x}",
		d.UDID, d.DeviceID, d.ConnectionType, d.ProductID)
}

// ListDevices enumerates devices currently attached to usbmuxd.
func (c *Conn) ListDevices() ([]Device, error) {
	req := &listDevicesRequest{
		MessageType:         "ListDevices",
		ProgName:            progName,
		ClientVersionString: clientVersionString,
	}
	var resp listDevicesResponse
	if err := c.request(req, &resp); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(resp.DeviceList))
	for _, d := range resp.DeviceList {
		if d.Properties != nil {
			devices = append(devices, *d.Properties)
		}
	}
	return devices, nil
}

// DeviceByUDID resolves udid to its current usbmuxd device id.
func (c *Conn) DeviceByUDID(udid string) (Device, error) {
	devices, err := c.ListDevices()
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.UDID == udid {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("usbmux: no attached device with udid %q", udid)
}

func (c *Conn) request(req, resp any) error {
	if err := c.send(req); err != nil {
		return err
	}
	return c.recv(resp)
}

func (c *Conn) send(msg any) error {
	data, err := plist.Marshal(msg, plist.XMLFormat)
	if err != nil {
		return errors.Wrap(err, "usbmux: marshal request")
	}

	hdr := &Header{
		Length:      uint32(len(data)) + headerSize,
		Version:     1,
		MessageType: 8, // plist
		Tag:         atomic.AddUint32(&c.tag, 1),
	}
	if err := binary.Write(c, binary.LittleEndian, hdr); err != nil {
		return errors.Wrap(err, "usbmux: write header")
	}
	if err := binary.Write(c, binary.LittleEndian, data); err != nil {
		return errors.Wrap(err, "usbmux: write payload")
	}
	return nil
}

func (c *Conn) recv(msg any) error {
	var hdr Header
	if err := binary.Read(c, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(err, "usbmux: read header")
	}
	if hdr.Length < headerSize {
		return fmt.Errorf("usbmux: malformed header length %d", hdr.Length)
	}

	data := make([]byte, hdr.Length-headerSize)
	if _, err := io.ReadFull(c, data); err != nil {
		return errors.Wrap(err, "usbmux: read payload")
	}

	if _, err := plist.Unmarshal(data, msg); err != nil {
		return errors.Wrap(err, "usbmux: unmarshal payload")
	}
	return nil
}

func htons(v uint16) uint16 {
	return (v << 8 & 0xFF00) | (v >> 8 & 0xFF)
}

// Dial is a convenience that opens a usbmuxd connection, resolves udid,
// and connects to port in one call, returning a plain net.Conn ready for
// the lockdown transport to frame.
func Dial(udid string, port uint16) (net.Conn, error) {
	conn, err := NewConn()
	if err != nil {
		return nil, err
	}
	dev, err := conn.DeviceByUDID(udid)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Dial(dev.DeviceID, port); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "usbmux: dial port %d on device %s", port, udid)
	}
	return conn, nil
}

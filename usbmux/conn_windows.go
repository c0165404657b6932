//go:build windows

package usbmux

import (
	"net"
)

// SocketPath is the TCP address usbmuxd listens on when running under
// the Windows multiplexer service. Overridable for non-standard installs.
var SocketPath = "localhost:27015"

func usbmuxdDial() (net.Conn, error) {
	return net.Dial("tcp", SocketPath)
}

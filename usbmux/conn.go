//go:build !windows

package usbmux

import (
	"net"
)

// SocketPath is the usbmuxd control socket. Overridable for test setups
// or non-standard installs.
var SocketPath = "/var/run/usbmuxd"

func usbmuxdDial() (net.Conn, error) {
	return net.Dial("unix", SocketPath)
}

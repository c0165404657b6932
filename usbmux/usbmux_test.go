package usbmux

import (
	"testing"
)

// TestConn_ListDevices is a smoke test against a real usbmuxd socket; it
// skips itself when none is reachable rather than failing CI machines
// with no attached devices.
func TestConn_ListDevices(t *testing.T) {
	conn, err := NewConn()
	if err != nil {
		t.Skipf("usbmuxd not reachable: %v", err)
	}
	defer conn.Close()

	devices, err := conn.ListDevices()
	if err != nil {
		t.Fatal(err)
	}

	for _, device := range devices {
		t.Logf("%#v", device)
	}
}

func TestHtons(t *testing.T) {
	tests := []struct {
		in   uint16
		want uint16
	}{
		{0x0000, 0x0000},
		{0x00f2, 0xf200},
		{0xf27e, 0x7ef2},
	}
	for _, tt := range tests {
		if got := htons(tt.in); got != tt.want {
			t.Errorf("htons(%#x) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

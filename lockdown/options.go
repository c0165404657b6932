package lockdown

import (
	"crypto/tls"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v8"
	"github.com/pkg/errors"

	"github.com/blacktop/go-lockdown/lockdown/store"
	"github.com/blacktop/go-lockdown/usbmux"
)

// PlistPort is the well-known lockdown service port on the multiplexed
// device bus.
const PlistPort uint16 = 0xf27e

// Options configures a Client. Label, StoreDir and UsbmuxdSocket are
// overridable via environment variables (mirroring the teacher's
// library-not-CLI configuration style); the TLS version bounds are not.
// Zero values fall back to sane defaults in NewOptions.
type Options struct {
	// Label is echoed as the Label key on every outbound request; a
	// short diagnostic tag, usually the program name.
	Label string `env:"LOCKDOWN_LABEL"`

	// StoreDir is the preference-store directory holding host identity
	// and per-device pair records.
	StoreDir string `env:"LOCKDOWN_STORE_DIR"`

	// UsbmuxdSocket overrides the usbmuxd control socket path (unix
	// socket on Linux/macOS, host:port on Windows).
	UsbmuxdSocket string `env:"LOCKDOWN_USBMUXD_SOCKET"`

	// MinTLSVersion/MaxTLSVersion bound the negotiated TLS version for
	// the session-SSL upgrade. Devices requiring anonymous-DH or SSL
	// 3.0 cannot be reached regardless of this setting; crypto/tls
	// does not implement either.
	MinTLSVersion uint16
	MaxTLSVersion uint16
}

// NewOptions loads Options from the environment, filling in defaults for
// anything left unset.
func NewOptions() (*Options, error) {
	opts := &Options{}
	if err := env.Parse(opts); err != nil {
		return nil, errors.Wrap(err, "lockdown: parse options from environment")
	}
	opts.applyDefaults()
	return opts, nil
}

func (o *Options) applyDefaults() {
	if o.Label == "" {
		o.Label = "go-lockdown"
	}
	if o.StoreDir == "" {
		dir, err := os.UserHomeDir()
		if err == nil {
			o.StoreDir = filepath.Join(dir, ".config", "go-lockdown")
		} else {
			o.StoreDir = ".go-lockdown"
		}
	}
	if o.MinTLSVersion == 0 {
		o.MinTLSVersion = tls.VersionTLS12
	}
	if o.MaxTLSVersion == 0 {
		o.MaxTLSVersion = tls.VersionTLS13
	}
	if o.UsbmuxdSocket != "" {
		usbmux.SocketPath = o.UsbmuxdSocket
	}
}

func (o *Options) store() (store.Store, error) {
	return store.NewFileStore(o.StoreDir)
}

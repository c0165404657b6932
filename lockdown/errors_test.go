package lockdown

import (
	"errors"
	"testing"
)

func TestErrorFromServerString(t *testing.T) {
	tests := []struct {
		raw      string
		fallback Code
		want     Code
	}{
		{"PasswordProtected", CodeUnknown, CodePasswordProtected},
		{"InvalidHostID", CodeUnknown, CodeInvalidHostID},
		{"SomeUnmappedReason", CodePairingFailed, CodePairingFailed},
		{"", CodeUnknown, CodeUnknown},
	}
	for _, tt := range tests {
		err := errorFromServerString(tt.raw, tt.fallback)
		if err.Code != tt.want {
			t.Errorf("errorFromServerString(%q, %v).Code = %v, want %v", tt.raw, tt.fallback, err.Code, tt.want)
		}
		if err.Raw != tt.raw {
			t.Errorf("errorFromServerString(%q, ...).Raw = %q, want %q", tt.raw, err.Raw, tt.raw)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := newError(CodeMuxError, cause)
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
}

func TestErrorAsRecoversCode(t *testing.T) {
	var target *Error
	wrapped := error(newError(CodeInvalidHostID, nil))
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to recover *Error")
	}
	if target.Code != CodeInvalidHostID {
		t.Errorf("recovered Code = %v, want %v", target.Code, CodeInvalidHostID)
	}
}

package lockdown

import "fmt"

// Code identifies the class of failure an operation returned. Every
// exported operation returns exactly one, wrapped in an *Error.
type Code int

const (
	// CodeUnknown is the catch-all; callers should treat it as fatal.
	CodeUnknown Code = iota
	CodeInvalidArgument
	CodeMuxError
	CodePlistError
	CodePairingFailed
	CodePasswordProtected
	CodeInvalidHostID
	CodeNoRunningSession
	CodeStartServiceFailed
	CodeActivationFailed
	CodeInvalidConfiguration
	CodeSslError
	CodeNotEnoughData
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeMuxError:
		return "MuxError"
	case CodePlistError:
		return "PlistError"
	case CodePairingFailed:
		return "PairingFailed"
	case CodePasswordProtected:
		return "PasswordProtected"
	case CodeInvalidHostID:
		return "InvalidHostID"
	case CodeNoRunningSession:
		return "NoRunningSession"
	case CodeStartServiceFailed:
		return "StartServiceFailed"
	case CodeActivationFailed:
		return "ActivationFailed"
	case CodeInvalidConfiguration:
		return "InvalidConfiguration"
	case CodeSslError:
		return "SslError"
	case CodeNotEnoughData:
		return "NotEnoughData"
	default:
		return "Unknown"
	}
}

// Error is the typed error every lockdown operation fails with. It
// carries a Code for programmatic dispatch (via errors.As) and an
// optional raw server string for diagnostic logging, alongside any
// wrapped cause.
type Error struct {
	Code    Code
	Raw     string
	Cause   error
}

func (e *Error) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("lockdown: %s: %s", e.Code, e.Raw)
	}
	if e.Cause != nil {
		return fmt.Sprintf("lockdown: %s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("lockdown: %s", e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func newErrorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Cause: fmt.Errorf(format, args...)}
}

// errorTable maps a server-supplied Error string to a typed Code. It is
// deliberately small: unmapped strings collapse to CodePairingFailed (for
// pairing responses) or CodeUnknown (elsewhere), but the raw string is
// always retained on the returned *Error for logging.
var errorTable = map[string]Code{
	"PasswordProtected": CodePasswordProtected,
	"InvalidHostID":     CodeInvalidHostID,
}

func errorFromServerString(raw string, fallback Code) *Error {
	code := fallback
	if mapped, ok := errorTable[raw]; ok {
		code = mapped
	}
	return &Error{Code: code, Raw: raw}
}

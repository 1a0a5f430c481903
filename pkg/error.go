package pkg

import "fmt"

// Kind identifies a category of failure in the usbmux client stack. Every
// component (transport, mux, pairing, lockdown, afc, plistconn, notify)
// raises errors from this single taxonomy so that callers can branch on
// failure class without depending on which component produced it.
type Kind int

// Error kinds, aligned across every component.
const (
	KindOK Kind = iota
	KindInvalidArg
	KindNoDevice
	KindNotEnoughData
	KindBadHeader
	KindMuxError
	KindTimeout
	KindPlistError
	KindSSLError
	KindPairingFailed
	KindPasswordProtected
	KindUserDeniedPairing

	// AFC-specific kinds.
	KindReadError
	KindWriteError
	KindDirNotEmpty
	KindOpNotSupported
	KindObjectNotFound
	KindNoMem
)

// String returns a short, stable name for the kind, suitable for logging.
func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindInvalidArg:
		return "invalid_arg"
	case KindNoDevice:
		return "no_device"
	case KindNotEnoughData:
		return "not_enough_data"
	case KindBadHeader:
		return "bad_header"
	case KindMuxError:
		return "mux_error"
	case KindTimeout:
		return "timeout"
	case KindPlistError:
		return "plist_error"
	case KindSSLError:
		return "ssl_error"
	case KindPairingFailed:
		return "pairing_failed"
	case KindPasswordProtected:
		return "password_protected"
	case KindUserDeniedPairing:
		return "user_denied_pairing"
	case KindReadError:
		return "read_error"
	case KindWriteError:
		return "write_error"
	case KindDirNotEmpty:
		return "dir_not_empty"
	case KindOpNotSupported:
		return "op_not_supported"
	case KindObjectNotFound:
		return "object_not_found"
	case KindNoMem:
		return "no_mem"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the concrete error type returned by every component in this
// module. It carries a [Kind] plus a human-readable detail and, when the
// failure wraps a lower-level cause (a syscall errno, an io.EOF, a TLS
// handshake failure), that cause for errors.Is/errors.As chains.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "mux.Connect"
	Detail  string
	Wrapped error
}

// New constructs an [Error] with no wrapped cause.
func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap constructs an [Error] that wraps a lower-level cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Detail: cause.Error(), Wrapped: cause}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is reports whether err is an *Error of the given kind, following Unwrap
// chains to the first *Error it finds. *Error has no Is method, so
// errors.Is cannot compare kinds; this helper is the way to branch on one.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

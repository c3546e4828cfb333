package ota

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors
type Kind int

const (
	KindUnknown Kind = iota
	ParamError
	NetworkError
	ProtocolError
	VerificationError
	StateError
	IOError
	// FatalPendingReboot is returned only when the engine is torn down while
	// waiting for a requested reboot.
	FatalPendingReboot
)

func (k Kind) String() string {
	switch k {
	case ParamError:
		return "invalid parameter"
	case NetworkError:
		return "network error"
	case ProtocolError:
		return "protocol error"
	case VerificationError:
		return "verification failed"
	case StateError:
		return "invalid state"
	case IOError:
		return "i/o error"
	case FatalPendingReboot:
		return "pending reboot"
	}
	return "unknown error"
}

// Result codes returned to integer based callers
const (
	CodeSuccess            = 0
	CodeUnknown            = -1
	CodeParamError         = -2
	CodeNetworkError       = -3
	CodeProtocolError      = -4
	CodeVerificationError  = -5
	CodeStateError         = -6
	CodeIOError            = -7
	CodeFatalPendingReboot = -8
)

// Error is an engine error carrying its kind and the failed operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with kind and op.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error from a formatted message.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Code maps err to its integer result code.
func Code(err error) int {
	if err == nil {
		return CodeSuccess
	}
	switch KindOf(err) {
	case ParamError:
		return CodeParamError
	case NetworkError:
		return CodeNetworkError
	case ProtocolError:
		return CodeProtocolError
	case VerificationError:
		return CodeVerificationError
	case StateError:
		return CodeStateError
	case IOError:
		return CodeIOError
	case FatalPendingReboot:
		return CodeFatalPendingReboot
	}
	return CodeUnknown
}

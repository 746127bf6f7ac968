package vcamrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrEmptyURL is returned by Start when no URL is given.
	ErrEmptyURL = errors.New("vcam-relay: stream URL is required")
	// ErrNotRunning is returned by control calls made before Run or after it returned.
	ErrNotRunning = errors.New("vcam-relay: relay is not running")
	// ErrSinkFailed is returned by Start while output is halted after a sink failure.
	ErrSinkFailed = errors.New("vcam-relay: sink failed, reconfigure to resume output")
)

// ErrorKind is the fine-grained classification of a failure.
type ErrorKind int

const (
	KindNone ErrorKind = iota

	// Connect errors
	KindUnreachable
	KindTimeout
	KindAuthRejected

	// Stream errors
	KindProtocol
	KindDecode
	KindUnexpectedEOF

	KindCancelled

	// Sink fatal errors
	KindDeviceUnavailable
	KindFormatMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindAuthRejected:
		return "auth_rejected"
	case KindProtocol:
		return "protocol_error"
	case KindDecode:
		return "decode_error"
	case KindUnexpectedEOF:
		return "unexpected_eof"
	case KindCancelled:
		return "cancelled"
	case KindDeviceUnavailable:
		return "device_unavailable"
	case KindFormatMismatch:
		return "format_mismatch"
	default:
		return "unknown"
	}
}

// ErrorClass groups kinds by how the relay reacts to them.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassConnect errors are retried with backoff.
	ClassConnect
	// ClassStream errors are retried with backoff.
	ClassStream
	// ClassCancelled is expected during stop and reconfigure.
	ClassCancelled
	// ClassSinkFatal halts output until the sink is reconfigured.
	ClassSinkFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConnect:
		return "connect"
	case ClassStream:
		return "stream"
	case ClassCancelled:
		return "cancelled"
	case ClassSinkFatal:
		return "sink_fatal"
	default:
		return "none"
	}
}

// Class returns the class of k.
func (k ErrorKind) Class() ErrorClass {
	switch k {
	case KindUnreachable, KindTimeout, KindAuthRejected:
		return ClassConnect
	case KindProtocol, KindDecode, KindUnexpectedEOF:
		return ClassStream
	case KindCancelled:
		return ClassCancelled
	case KindDeviceUnavailable, KindFormatMismatch:
		return ClassSinkFatal
	default:
		return ClassNone
	}
}

// Transient reports whether the supervisor retries errors of this kind.
func (k ErrorKind) Transient() bool {
	c := k.Class()
	return c == ClassConnect || c == ClassStream
}

// Error is a classified relay error.
type Error struct {
	Kind ErrorKind
	Op   string // "open", "read", "write", ...
	URL  string
	Err  error
}

// NewError builds a classified error.
func NewError(kind ErrorKind, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("vcam-relay: %s", e.Op)
	if e.URL != "" {
		msg += " " + e.URL
	}
	msg += fmt.Sprintf(" [%s]", e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies any error. Classified errors keep their kind; other
// errors are mapped from well-known causes, defaulting to KindProtocol.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindUnexpectedEOF
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return KindUnreachable
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return KindUnexpectedEOF
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindUnreachable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindUnreachable
	}

	return KindProtocol
}

// Classify wraps err as an *Error for op and url unless it already is one.
// A nil err yields nil.
func Classify(err error, op, url string) error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return err
	}
	return NewError(KindOf(err), op, url, err)
}

// IsCancelled reports whether err is an expected cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Package faults defines the error kinds surfaced by the recorder.
package faults

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindCameraUnreachable  Kind = "CameraUnreachable"
	KindEncoderExited      Kind = "EncoderExited"
	KindSegmentMissing     Kind = "SegmentMissing"
	KindInsufficientBuffer Kind = "InsufficientBuffer"
	KindTimeout            Kind = "Timeout"
	KindStoragePressure    Kind = "StoragePressure"
	KindInternal           Kind = "Internal"
)

// Sentinel errors, one per kind. Wrap them with fmt.Errorf("...: %w", ...)
// and test with errors.Is.
var (
	ErrConfigInvalid      = New(KindConfigInvalid, "invalid configuration")
	ErrCameraUnreachable  = New(KindCameraUnreachable, "camera unreachable")
	ErrEncoderExited      = New(KindEncoderExited, "encoder process exited")
	ErrSegmentMissing     = New(KindSegmentMissing, "segment file missing")
	ErrInsufficientBuffer = New(KindInsufficientBuffer, "insufficient buffered video")
	ErrTimeout            = New(KindTimeout, "operation timed out")
	ErrStoragePressure    = New(KindStoragePressure, "storage pressure")
	ErrInternal           = New(KindInternal, "internal error")
)

// Fault is an error carrying a Kind.
type Fault struct {
	kind Kind
	msg  string
}

// New creates a fault of the given kind.
func New(kind Kind, msg string) *Fault {
	return &Fault{kind: kind, msg: msg}
}

// Errorf creates a fault of the given kind with a formatted message. The
// returned error matches the kind's sentinel under errors.Is.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel(kind), fmt.Sprintf(format, args...))
}

func (f *Fault) Error() string { return f.msg }

// Kind returns the fault's kind.
func (f *Fault) Kind() Kind { return f.kind }

// Is makes any fault of the same kind match the sentinel.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return f.kind == other.kind
	}
	return false
}

// KindOf extracts the Kind from an error chain, or KindInternal if the
// chain contains no fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindInternal
}

func sentinel(kind Kind) error {
	switch kind {
	case KindConfigInvalid:
		return ErrConfigInvalid
	case KindCameraUnreachable:
		return ErrCameraUnreachable
	case KindEncoderExited:
		return ErrEncoderExited
	case KindSegmentMissing:
		return ErrSegmentMissing
	case KindInsufficientBuffer:
		return ErrInsufficientBuffer
	case KindTimeout:
		return ErrTimeout
	case KindStoragePressure:
		return ErrStoragePressure
	default:
		return ErrInternal
	}
}

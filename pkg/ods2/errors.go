package ods2

import (
	"errors"
	"fmt"

	"github.com/marmos91/ods2/pkg/ods2/layout"
)

// Code identifies the status reported by a failed volume operation.
type Code int

const (
	// CodeBadParam indicates an out-of-range argument such as a write range
	// reaching past the addressed chunk.
	CodeBadParam Code = iota + 1

	// CodeWriteLocked indicates a write on a read-only volume or file, or a
	// release of blocks that were never granted for writing.
	CodeWriteLocked

	// CodeEndOfFile indicates a block number outside the file's allocation.
	CodeEndOfFile

	// CodeNoSuchFile indicates a header whose identifier does not match the
	// requested file, or a file number beyond the index file.
	CodeNoSuchFile

	// CodeDataCheck indicates a checksum or structure failure.
	CodeDataCheck

	// CodeFileSeqCheck indicates an extension header with an unexpected
	// segment number.
	CodeFileSeqCheck

	// CodeDeviceNotMounted indicates a relative volume number with no
	// device behind it.
	CodeDeviceNotMounted

	// CodeDeviceMounted indicates a device already claimed by a volume.
	CodeDeviceMounted

	// CodeDeviceNotDismounted indicates files still open at dismount.
	CodeDeviceNotDismounted

	// CodeUnsupportedVolumeSet indicates inconsistent relative volume
	// numbers across the devices of a mount.
	CodeUnsupportedVolumeSet

	// CodeNoSuchVolume indicates no usable device name was given.
	CodeNoSuchVolume

	// CodeInsufficientMemory indicates an allocation limit was reached.
	CodeInsufficientMemory

	// CodeIOError indicates a failed device transfer.
	CodeIOError

	// CodeBugCheck indicates an internal inconsistency.
	CodeBugCheck
)

// String returns a human-readable name for the code.
func (c Code) String() string {
	switch c {
	case CodeBadParam:
		return "BadParam"
	case CodeWriteLocked:
		return "WriteLocked"
	case CodeEndOfFile:
		return "EndOfFile"
	case CodeNoSuchFile:
		return "NoSuchFile"
	case CodeDataCheck:
		return "DataCheck"
	case CodeFileSeqCheck:
		return "FileSeqCheck"
	case CodeDeviceNotMounted:
		return "DeviceNotMounted"
	case CodeDeviceMounted:
		return "DeviceMounted"
	case CodeDeviceNotDismounted:
		return "DeviceNotDismounted"
	case CodeUnsupportedVolumeSet:
		return "UnsupportedVolumeSet"
	case CodeNoSuchVolume:
		return "NoSuchVolume"
	case CodeInsufficientMemory:
		return "InsufficientMemory"
	case CodeIOError:
		return "IOError"
	case CodeBugCheck:
		return "BugCheck"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Class groups codes by how callers are expected to react.
type Class int

const (
	ClassResource Class = iota + 1
	ClassIntegrity
	ClassAccess
	ClassBounds
	ClassDevice
	ClassLogic
)

func (c Class) String() string {
	switch c {
	case ClassResource:
		return "resource"
	case ClassIntegrity:
		return "integrity"
	case ClassAccess:
		return "access"
	case ClassBounds:
		return "bounds"
	case ClassDevice:
		return "device"
	case ClassLogic:
		return "logic"
	default:
		return "unknown"
	}
}

// Class returns the failure class of c.
func (c Code) Class() Class {
	switch c {
	case CodeInsufficientMemory:
		return ClassResource
	case CodeNoSuchFile, CodeDataCheck, CodeFileSeqCheck, CodeUnsupportedVolumeSet:
		return ClassIntegrity
	case CodeWriteLocked:
		return ClassAccess
	case CodeBadParam, CodeEndOfFile:
		return ClassBounds
	case CodeDeviceNotMounted, CodeDeviceMounted, CodeDeviceNotDismounted, CodeNoSuchVolume, CodeIOError:
		return ClassDevice
	default:
		return ClassLogic
	}
}

// StatusError is the error returned by every failing volume operation.
// errors.Is matches any two StatusErrors with the same Code, so the Err*
// sentinels below can be used as targets.
type StatusError struct {
	Code    Code
	Op      string
	FID     layout.FID
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if !e.FID.IsZero() {
		msg += " (fid " + e.FID.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, typically a device error.
func (e *StatusError) Unwrap() error { return e.Err }

// Is reports whether target is a StatusError with the same code.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrBadParam             = &StatusError{Code: CodeBadParam}
	ErrWriteLocked          = &StatusError{Code: CodeWriteLocked}
	ErrEndOfFile            = &StatusError{Code: CodeEndOfFile}
	ErrNoSuchFile           = &StatusError{Code: CodeNoSuchFile}
	ErrDataCheck            = &StatusError{Code: CodeDataCheck}
	ErrFileSeqCheck         = &StatusError{Code: CodeFileSeqCheck}
	ErrDeviceNotMounted     = &StatusError{Code: CodeDeviceNotMounted}
	ErrDeviceMounted        = &StatusError{Code: CodeDeviceMounted}
	ErrDeviceNotDismounted  = &StatusError{Code: CodeDeviceNotDismounted}
	ErrUnsupportedVolumeSet = &StatusError{Code: CodeUnsupportedVolumeSet}
	ErrNoSuchVolume         = &StatusError{Code: CodeNoSuchVolume}
	ErrInsufficientMemory   = &StatusError{Code: CodeInsufficientMemory}
	ErrIOError              = &StatusError{Code: CodeIOError}
	ErrBugCheck             = &StatusError{Code: CodeBugCheck}
)

// CodeOf extracts the status code from err, or zero if err carries none.
func CodeOf(err error) Code {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func statusf(code Code, op string, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

func fileStatus(code Code, op string, fid layout.FID, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Op: op, FID: fid, Message: fmt.Sprintf(format, args...)}
}

func ioStatus(op string, err error) *StatusError {
	return &StatusError{Code: CodeIOError, Op: op, Err: err}
}

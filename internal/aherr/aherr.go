// Package aherr defines the error taxonomy shared by every layer of the
// core: the Storage Backend, AgentFS Core, the filesystem adapters, the
// snapshot provider layer, and the sandbox orchestrator. Every layer
// surfaces its own Code unchanged; only the adapter at the kernel boundary
// translates a Code to a host-native errno/NTSTATUS.
package aherr

import (
	"errors"
	"fmt"
)

// Code is one of the error conditions a core operation can fail with.
type Code int

const (
	// Io is the catch-all for underlying failures (kernel, external tool).
	Io Code = iota
	NotFound
	AlreadyExists
	AccessDenied
	InvalidArgument
	Busy
	NoSpace
	Unsupported
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case AccessDenied:
		return "AccessDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case Busy:
		return "Busy"
	case NoSpace:
		return "NoSpace"
	case Unsupported:
		return "Unsupported"
	default:
		return "Io"
	}
}

// Error carries a Code plus the path/resource and the wrapped cause, in the
// same spirit as sandbox.EnforcementError: a typed error with a single-line
// message, never a bare string.
type Error struct {
	Code Code
	Op   string // operation name, e.g. "open", "clone_cow"
	Path string // path, handle, branch or snapshot id involved, if any
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Path != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Code, e.Err)
		}
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error. err may be nil.
func New(code Code, op, path string, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

// CodeOf extracts the Code from err: from an *Error in its chain, or else
// from any error in the chain with a Code() Code method (such as
// sandbox.EnforcementError). It defaults to Io for unrecognized errors
// (e.g. raw OS errors bubbling up from an external command).
func CodeOf(err error) Code {
	if err == nil {
		return Io
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	var coded interface{ Code() Code }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return Io
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Package errkind defines the closed set of failure kinds surfaced to the
// command layer and their process exit codes.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
)

// Kind is one member of the closed error taxonomy.
type Kind int

const (
	Internal Kind = iota
	DeviceNotFound
	AmbiguousDevice
	PathNotFound
	NotADirectory
	AlreadyExists
	PermissionDenied
	StorageFull
	TransferFailed
	PartiallyFailed
)

var kindNames = map[Kind]string{
	Internal:         "InternalError",
	DeviceNotFound:   "DeviceNotFound",
	AmbiguousDevice:  "AmbiguousDevice",
	PathNotFound:     "PathNotFound",
	NotADirectory:    "NotADirectory",
	AlreadyExists:    "AlreadyExists",
	PermissionDenied: "PermissionDenied",
	StorageFull:      "StorageFull",
	TransferFailed:   "TransferFailed",
	PartiallyFailed:  "PartiallyFailed",
}

var exitCodes = map[Kind]int{
	Internal:         1,
	DeviceNotFound:   2,
	AmbiguousDevice:  2,
	PathNotFound:     3,
	NotADirectory:    3,
	AlreadyExists:    1,
	PermissionDenied: 4,
	StorageFull:      5,
	TransferFailed:   6,
	PartiallyFailed:  6,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[Internal]
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ExitCode returns the process exit code for the kind.
func (k Kind) ExitCode() int {
	if code, ok := exitCodes[k]; ok {
		return code
	}
	return 1
}

// Failure records one plan entry that did not complete.
type Failure struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
	Err  error  `json:"-"`
}

// Message returns the failure's error text.
func (f Failure) Message() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Err.Error()
}

// Error is the single error type the command layer ever inspects.
type Error struct {
	Kind     Kind
	Op       string
	Path     string
	Segment  string    // failing path segment for PathNotFound
	Failures []Failure // per-entry failures for PartiallyFailed
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Kind == PathNotFound && e.Segment != "":
		fmt.Fprintf(&b, "%q not found", e.Segment)
		if e.Path != "" {
			fmt.Fprintf(&b, " in path %s", e.Path)
		}
	case e.Kind == PartiallyFailed:
		fmt.Fprintf(&b, "%d entries failed", len(e.Failures))
		if e.Path != "" {
			fmt.Fprintf(&b, " under %s", e.Path)
		}
	default:
		if e.Path != "" {
			b.WriteString(e.Path)
			b.WriteString(": ")
		}
		if e.Err != nil {
			b.WriteString(e.Err.Error())
		} else {
			b.WriteString(describe(e.Kind))
		}
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func describe(k Kind) string {
	switch k {
	case DeviceNotFound:
		return "no matching device found"
	case AmbiguousDevice:
		return "more than one matching device; use --device to select one"
	case PathNotFound:
		return "not found"
	case NotADirectory:
		return "not a directory"
	case AlreadyExists:
		return "already exists"
	case PermissionDenied:
		return "permission denied"
	case StorageFull:
		return "storage full"
	case TransferFailed:
		return "transfer failed"
	default:
		return "internal error"
	}
}

// E builds an *Error of the given kind.
func E(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// NotFound reports the first path segment that had no matching child.
func NotFound(op, path, segment string) *Error {
	return &Error{Kind: PathNotFound, Op: op, Path: path, Segment: segment}
}

// Partial wraps the per-entry failures of a bulk operation.
func Partial(op, root string, failures []Failure) *Error {
	return &Error{Kind: PartiallyFailed, Op: op, Path: root, Failures: failures}
}

// KindOf classifies any error. Errors outside the taxonomy are Internal,
// context cancellation is TransferFailed.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return TransferFailed
	}
	return Internal
}

// ExitCode maps err to the process exit code; nil is success.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}

// ErrSessionLost marks an error caused by the device going away after the
// session was opened. The error keeps its own kind.
var ErrSessionLost = errors.New("device disconnected")

// IsFatal reports whether err means the session can no longer be used.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionLost) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.Kind == DeviceNotFound
}

// FromLocal classifies a local filesystem error.
func FromLocal(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return E(TransferFailed, op, path, err)
	case errors.Is(err, fs.ErrPermission):
		return E(PermissionDenied, op, path, err)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return E(StorageFull, op, path, err)
	case errors.Is(err, fs.ErrNotExist):
		return E(PathNotFound, op, path, err)
	case errors.Is(err, fs.ErrExist):
		return E(AlreadyExists, op, path, err)
	default:
		return E(TransferFailed, op, path, err)
	}
}

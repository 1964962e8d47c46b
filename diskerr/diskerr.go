// Package diskerr defines the DiskArc error taxonomy (spec §7): a closed
// set of kinds, not a growing zoo of error types, so callers can switch on
// Kind() and ignore everything else.
package diskerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies why an operation failed. Kinds are stable API: CLI exit
// codes and worker Failure callbacks key off them.
type Kind int

const (
	_ Kind = iota
	NotRecognized
	Corrupt
	IOError
	InvalidArgument
	InvalidOperation
	DiskFull
	DirectoryFull
	FileExists
	NotFound
	Cancelled
	ConversionFailure
)

func (k Kind) String() string {
	switch k {
	case NotRecognized:
		return "NotRecognized"
	case Corrupt:
		return "Corrupt"
	case IOError:
		return "IOError"
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidOperation:
		return "InvalidOperation"
	case DiskFull:
		return "DiskFull"
	case DirectoryFull:
		return "DirectoryFull"
	case FileExists:
		return "FileExists"
	case NotFound:
		return "NotFound"
	case Cancelled:
		return "Cancelled"
	case ConversionFailure:
		return "ConversionFailure"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a taxonomy Kind and a human-readable
// message. It implements Unwrap so errors.Is/errors.As compose with
// cockroachdb/errors, which is also what constructs the wrapped cause chain
// (see Wrap).
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf reports the taxonomy kind of err, or 0 if err is not (or does not
// wrap) a *diskerr.Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.kind
	}
	return 0
}

// Is reports whether err is a *diskerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// New constructs a new Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates cause with a taxonomy kind and message, preserving the
// chain for errors.Is/errors.As via cockroachdb/errors.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

func NotRecognizedf(format string, args ...any) *Error  { return New(NotRecognized, format, args...) }
func Corruptf(format string, args ...any) *Error        { return New(Corrupt, format, args...) }
func IOErrorf(err error, format string, args ...any) *Error {
	return Wrap(IOError, err, format, args...)
}
func InvalidArgumentf(format string, args ...any) *Error { return New(InvalidArgument, format, args...) }
func InvalidOperationf(format string, args ...any) *Error {
	return New(InvalidOperation, format, args...)
}
func DiskFullf(format string, args ...any) *Error      { return New(DiskFull, format, args...) }
func DirectoryFullf(format string, args ...any) *Error { return New(DirectoryFull, format, args...) }
func FileExistsf(format string, args ...any) *Error    { return New(FileExists, format, args...) }
func NotFoundf(format string, args ...any) *Error      { return New(NotFound, format, args...) }
func Cancelledf(format string, args ...any) *Error     { return New(Cancelled, format, args...) }
func ConversionFailuref(format string, args ...any) *Error {
	return New(ConversionFailure, format, args...)
}

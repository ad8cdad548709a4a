package errs

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type returned by every component of the hub. It carries
// a Code that callers can branch on, a human readable message and an optional
// cause.
type Error struct {
	Code Code   // The error code
	Msg  string // The error message
	Err  error  // The wrapped cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code. This makes
// errors.Is(err, errs.NotFound) work for any NotFound error regardless of
// its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error with the given code that wraps cause.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
		Err:  cause,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal
// if err is non-nil but carries no code. A nil error yields CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

type Code uint8

const (
	CodeOK                Code = iota // 0: no error
	CodeNotFound                      // 1: the entity does not exist (at the requested time)
	CodeAccessDenied                  // 2: the actor is not allowed to perform the operation
	CodeInvalidMergeInput             // 3: remote CRDT state is malformed
	CodeCorruption                    // 4: the WAL or a checkpoint failed validation
	CodeIOFailure                     // 5: the storage layer failed
	CodeNotPrimary                    // 6: write addressed to a secondary placement
	CodeCycleDetected                 // 7: a move would create a cycle in the folder tree
	CodeInvalidOperation              // 8: the operation is not valid for the target
	CodeCompacted                     // 9: the requested history was compacted away
	CodeLagged                        // 10: a subscriber fell behind the live stream
	CodeInternal                      // 11: unexpected internal failure
)

var codeNames = [...]string{
	CodeOK:                "OK",
	CodeNotFound:          "NotFound",
	CodeAccessDenied:      "AccessDenied",
	CodeInvalidMergeInput: "InvalidMergeInput",
	CodeCorruption:        "Corruption",
	CodeIOFailure:         "IOFailure",
	CodeNotPrimary:        "NotPrimary",
	CodeCycleDetected:     "CycleDetected",
	CodeInvalidOperation:  "InvalidOperation",
	CodeCompacted:         "Compacted",
	CodeLagged:            "Lagged",
	CodeInternal:          "Internal",
}

// String returns the name of the code.
func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", c)
}

// Sentinels for use with errors.Is.
var (
	NotFound          = New(CodeNotFound, "not found")
	AccessDenied      = New(CodeAccessDenied, "access denied")
	InvalidMergeInput = New(CodeInvalidMergeInput, "invalid merge input")
	Corruption        = New(CodeCorruption, "corruption")
	IOFailure         = New(CodeIOFailure, "io failure")
	NotPrimary        = New(CodeNotPrimary, "not primary")
	CycleDetected     = New(CodeCycleDetected, "cycle detected")
	InvalidOperation  = New(CodeInvalidOperation, "invalid operation")
	Compacted         = New(CodeCompacted, "compacted")
	Lagged            = New(CodeLagged, "lagged")
	Internal          = New(CodeInternal, "internal error")
)

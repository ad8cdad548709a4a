// Package errs defines the error type shared by all hub components.
//
// Every error returned across a package boundary is an *Error carrying a Code.
// Callers branch with errors.Is against the exported sentinels:
//
//	if errors.Is(err, errs.AccessDenied) { ... }
//
// Comparison is by code only, so a sentinel matches every error of its kind
// independent of the message or the wrapped cause.
package errs

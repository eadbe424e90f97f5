package spf

import (
	"errors"
	"fmt"
)

// errKind classifies the internal errors that can arise while evaluating a
// record. These are never exposed to callers directly; they are mapped to
// a Result at the process boundary (spec section 4.1, 7) by recoverError.
type errKind int

const (
	errSyntax errKind = iota
	errDNSTimeout
	errDNSError
	errLimitExceeded
	errIncludeLoop
)

// internalError is the tagged-union error value threaded explicitly up the
// evaluation call stack, per the "exceptions as results" design note: no
// panics or throw/catch, just ordinary (value, error) returns.
type internalError struct {
	kind errKind
	msg  string
	err  error
}

func (e *internalError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *internalError) Unwrap() error { return e.err }

func syntaxErrorf(format string, a ...interface{}) error {
	return &internalError{kind: errSyntax, msg: fmt.Sprintf(format, a...)}
}

func dnsTimeoutError(err error) error {
	return &internalError{kind: errDNSTimeout, msg: "dns query timed out", err: err}
}

func dnsErrorf(format string, a ...interface{}) error {
	return &internalError{kind: errDNSError, msg: fmt.Sprintf(format, a...)}
}

func limitExceededf(format string, a ...interface{}) error {
	return &internalError{kind: errLimitExceeded, msg: fmt.Sprintf(format, a...)}
}

func includeLoopErrorf(domain string) error {
	return &internalError{kind: errIncludeLoop, msg: fmt.Sprintf("include loop detected at %q", domain)}
}

// recoverError maps an internal error to the Result a process boundary
// returns for it (spec section 4.1 "Recovery policy", section 7). Errors
// that are not *internalError (e.g. a context cancellation) are not
// recoverable here and are returned unmapped.
func recoverError(err error) (Result, bool) {
	var ie *internalError
	if !errors.As(err, &ie) {
		return Result{}, false
	}
	switch ie.kind {
	case errSyntax, errLimitExceeded, errIncludeLoop:
		return Result{Kind: Permerror, err: err}, true
	case errDNSTimeout, errDNSError:
		return Result{Kind: Temperror, err: err}, true
	}
	return Result{}, false
}

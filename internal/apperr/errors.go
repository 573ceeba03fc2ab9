// Package apperr holds the error kinds surfaced by the session subsystem.
//
// Every failure returned to a caller wraps exactly one of the sentinels below,
// so callers branch with errors.Is and still reach the underlying cause.
package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

var (
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrSessionUnavailable      = errors.New("session unavailable")
	ErrProfileFetchFailed      = errors.New("profile fetch failed")
	ErrProfileCreateFailed     = errors.New("profile create failed")
	ErrProfileUpdateFailed     = errors.New("profile update failed")
	ErrUnauthorizedAdminAccess = errors.New("unauthorized admin access")
	ErrNetworkUnavailable      = errors.New("network unavailable")
	ErrPolicyViolation         = errors.New("policy violation")
	ErrWeakPassword            = errors.New("password does not meet policy")
)

// Wrap tags cause with kind. A nil cause yields kind itself.
func Wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Classify marks transport-level faults as ErrNetworkUnavailable and returns
// every other error untouched.
func Classify(err error) error {
	if err == nil || errors.Is(err, ErrNetworkUnavailable) {
		return err
	}
	if IsTransport(err) {
		return Wrap(ErrNetworkUnavailable, err)
	}
	return err
}

// IsTransport reports whether err came from the connection rather than the
// remote side's answer.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || callerDeadline(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return true
	}
	return false
}

// callerDeadline reports whether err is the caller's context running out, as
// opposed to a socket or HTTP client timeout. Both satisfy net.Error and
// match context.DeadlineExceeded, so the error itself is compared.
func callerDeadline(err error) bool {
	var netErr net.Error
	if !errors.As(err, &netErr) {
		return false
	}
	if netErr == context.DeadlineExceeded {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Err == context.DeadlineExceeded
}

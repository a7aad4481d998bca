package client

import (
	"errors"
	"fmt"
)

// AuthKind classifies authentication failures.
type AuthKind string

const (
	AuthInvalidCredentials  AuthKind = "invalid_credentials"
	AuthRequiresAppPassword AuthKind = "requires_app_password"
	AuthNetworkUnreachable  AuthKind = "network_unreachable"
	AuthTimeout             AuthKind = "timeout"
)

// AuthError is an authentication failure for one account. Invalid
// credentials are surfaced for user re-entry and never auto-retried;
// network and timeout kinds feed scheduler backoff.
type AuthError struct {
	Kind    AuthKind
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s (%s): %v", e.Kind, e.Account, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AsAuthError returns the AuthError in err's chain, if any.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	ok := errors.As(err, &ae)
	return ae, ok
}

// SyncKind classifies retrieval failures.
type SyncKind string

const (
	SyncProtocolError       SyncKind = "protocol_error"
	SyncTimeout             SyncKind = "timeout"
	SyncPartialFetchFailure SyncKind = "partial_fetch_failure"
)

// SyncError is a retrieval failure for one folder pass.
type SyncError struct {
	Kind   SyncKind
	Folder string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s (folder %q): %v", e.Kind, e.Folder, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// AsSyncError returns the SyncError in err's chain, if any.
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	ok := errors.As(err, &se)
	return se, ok
}

// SendKind classifies submission failures.
type SendKind string

const (
	SendRecipientRejected  SendKind = "recipient_rejected"
	SendAttachmentTooLarge SendKind = "attachment_too_large"
	SendTimeout            SendKind = "timeout"
	SendQuotaExceeded      SendKind = "quota_exceeded"
)

// SendError is a submission failure. RecipientRejected and
// AttachmentTooLarge surface immediately to the user; Timeout retries
// with backoff up to the job's attempt limit.
type SendError struct {
	Kind SendKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// AsSendError returns the SendError in err's chain, if any.
func AsSendError(err error) (*SendError, bool) {
	var se *SendError
	ok := errors.As(err, &se)
	return se, ok
}

// IsTransient reports whether err is a timeout or network condition
// that the scheduler should retry with backoff rather than surface.
func IsTransient(err error) bool {
	if ae, ok := AsAuthError(err); ok {
		return ae.Kind == AuthNetworkUnreachable || ae.Kind == AuthTimeout
	}
	if se, ok := AsSyncError(err); ok {
		return se.Kind == SyncTimeout
	}
	if se, ok := AsSendError(err); ok {
		return se.Kind == SendTimeout
	}
	return false
}

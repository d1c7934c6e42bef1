package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the closed classification of backend failures. Adapters map
// vendor error shapes onto it once, at the boundary, so the rest of the
// system never inspects error strings.
type ErrorKind int

const (
	// KindUnknown covers failures with no actionable classification.
	KindUnknown ErrorKind = iota
	// KindAuth covers invalid credentials and unconfirmed-email rejections.
	KindAuth
	// KindPermissionDenied covers backend policy rejections, including the
	// self-referential policy evaluation failure mode.
	KindPermissionDenied
	// KindNotFound covers missing rows.
	KindNotFound
	// KindNetwork covers transient connectivity failures.
	KindNetwork
)

// String returns the kind's stable label.
func (kind ErrorKind) String() string {
	switch kind {
	case KindAuth:
		return "auth"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// BackendError carries a classified backend failure across the adapter
// boundary.
type BackendError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

// Error renders the code, message, and wrapped cause.
func (backendError *BackendError) Error() string {
	if backendError.Err != nil {
		return fmt.Sprintf("%s: %s: %v", backendError.Code, backendError.Message, backendError.Err)
	}
	return fmt.Sprintf("%s: %s", backendError.Code, backendError.Message)
}

// Unwrap exposes the wrapped cause.
func (backendError *BackendError) Unwrap() error {
	return backendError.Err
}

// NewBackendError constructs a classified error with a dotted code.
func NewBackendError(kind ErrorKind, code string, message string, err error) *BackendError {
	return &BackendError{Kind: kind, Code: code, Message: message, Err: err}
}

// Classify resolves the ErrorKind for any error. Unclassified transport
// failures map to KindNetwork; everything else is KindUnknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var backendError *BackendError
	if errors.As(err, &backendError) {
		return backendError.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var netError net.Error
	if errors.As(err, &netError) {
		return KindNetwork
	}
	return KindUnknown
}

// Sentinel errors surfaced by the verification flow and the session store.
var (
	// ErrInvalidToken indicates the (token, email) pair matched no record.
	ErrInvalidToken = errors.New("verification.invalid_token")
	// ErrTokenExpired indicates the token exists but is past its expiry.
	ErrTokenExpired = errors.New("verification.token_expired")
	// ErrConfirmFailed indicates every mark-confirmed strategy failed.
	ErrConfirmFailed = errors.New("verification.confirm_failed")
	// ErrGoogleLoginUnavailable indicates no Google token validator was configured.
	ErrGoogleLoginUnavailable = errors.New("store.google_login_unavailable")
	// ErrInvalidGoogleToken indicates the Google ID token failed validation.
	ErrInvalidGoogleToken = errors.New("google.invalid_token")
	// ErrInvalidGoogleIssuer indicates the token was not issued by Google.
	ErrInvalidGoogleIssuer = errors.New("google.invalid_issuer")
	// ErrUnverifiedGoogleIdentity indicates the Google identity lacks a
	// verified email or subject.
	ErrUnverifiedGoogleIdentity = errors.New("google.unverified_identity")
)

package sessionkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestClassifyBackendError(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want ErrorKind
	}{
		{KindAuth, KindAuth},
		{KindPermissionDenied, KindPermissionDenied},
		{KindNotFound, KindNotFound},
		{KindNetwork, KindNetwork},
		{KindUnknown, KindUnknown},
	}
	for _, testCase := range cases {
		wrapped := fmt.Errorf("caller context: %w",
			NewBackendError(testCase.kind, "test.code", "test message", nil))
		if got := Classify(wrapped); got != testCase.want {
			t.Fatalf("Classify(%v) = %v, want %v", testCase.kind, got, testCase.want)
		}
	}
}

func TestClassifyTransportErrors(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != KindNetwork {
		t.Fatalf("deadline exceeded classified as %v", got)
	}
	if got := Classify(fmt.Errorf("wrapped: %w", context.Canceled)); got != KindNetwork {
		t.Fatalf("canceled classified as %v", got)
	}
	var dnsErr error = &net.DNSError{Err: "no such host", Name: "auth.example.com"}
	if got := Classify(dnsErr); got != KindNetwork {
		t.Fatalf("dns error classified as %v", got)
	}
}

func TestClassifyFallbacks(t *testing.T) {
	if got := Classify(nil); got != KindUnknown {
		t.Fatalf("nil classified as %v", got)
	}
	if got := Classify(errors.New("something odd")); got != KindUnknown {
		t.Fatalf("plain error classified as %v", got)
	}
}

func TestErrorKindString(t *testing.T) {
	labels := map[ErrorKind]string{
		KindUnknown:          "unknown",
		KindAuth:             "auth",
		KindPermissionDenied: "permission_denied",
		KindNotFound:         "not_found",
		KindNetwork:          "network",
	}
	for kind, want := range labels {
		if got := kind.String(); got != want {
			t.Fatalf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestBackendErrorRendering(t *testing.T) {
	cause := errors.New("socket closed")
	withCause := NewBackendError(KindNetwork, "authapi.refresh", "request failed", cause)
	if withCause.Error() != "authapi.refresh: request failed: socket closed" {
		t.Fatalf("unexpected rendering: %q", withCause.Error())
	}
	if !errors.Is(withCause, cause) {
		t.Fatalf("expected wrapped cause to be reachable via errors.Is")
	}

	withoutCause := NewBackendError(KindAuth, "auth.invalid_credentials", "invalid login credentials", nil)
	if withoutCause.Error() != "auth.invalid_credentials: invalid login credentials" {
		t.Fatalf("unexpected rendering: %q", withoutCause.Error())
	}
}

package gwerrors

import (
	"errors"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(StoreUnavailable, "could not reach redis", cause)

	if got := err.Unwrap(); got != cause {
		t.Fatalf("Unwrap() = %v, want %v", got, cause)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
	want := "STORE_UNAVAILABLE: could not reach redis: boom"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsAuthFatal(t *testing.T) {
	cases := map[Code]bool{
		AuthBadToken:      true,
		AuthBadNonce:      true,
		AuthDecryptFailed: true,
		AuthBadSequence:   true,
		AuthRateLimited:   true,
		ValidationFailed:  true,
		NotFound:          false,
		StoreUnavailable:  false,
	}
	for code, want := range cases {
		if got := IsAuthFatal(code); got != want {
			t.Errorf("IsAuthFatal(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestAsWrapsPlainError(t *testing.T) {
	plain := errors.New("connection refused")
	ge := As(plain)
	if ge.Code != StoreUnavailable {
		t.Fatalf("As(plain).Code = %s, want %s", ge.Code, StoreUnavailable)
	}

	original := New(NotFound, "missing")
	if got := As(original); got != original {
		t.Fatalf("As(original) should return the same *GatewayError instance")
	}
}

package gwerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		BadRequest:            http.StatusBadRequest,
		NotFound:              http.StatusNotFound,
		Conflict:              http.StatusConflict,
		PermissionDenied:      http.StatusForbidden,
		Busy:                  http.StatusServiceUnavailable,
		Timeout:               http.StatusGatewayTimeout,
		InstrumentUnavailable: http.StatusServiceUnavailable,
		ParseError:            http.StatusBadGateway,
		Cancelled:             499,
		Internal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		err := New(kind, "boom")
		if got := HTTPStatus(err); got != want {
			t.Fatalf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestHTTPStatusForNonGatewayError(t *testing.T) {
	if got := HTTPStatus(errors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unclassified error, got %d", got)
	}
}

func TestConflictHeldDetails(t *testing.T) {
	err := ConflictHeld("lock held", "session-a", 2)
	if err.Details["holder"] != "session-a" {
		t.Fatalf("expected holder detail")
	}
	if err.Details["queue_length"] != 2 {
		t.Fatalf("expected queue_length detail")
	}
	if HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("expected conflict status")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("wire timeout")
	err := Wrap(InstrumentUnavailable, "probe failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if errors.Unwrap(err) != cause {
		t.Fatalf("expected Unwrap to return the cause")
	}
}

func TestAsExtractsFromWrappedChain(t *testing.T) {
	base := New(NotFound, "equipment not found")
	wrapped := fmt.Errorf("lookup: %w", base)
	got, ok := As(wrapped)
	if !ok || got.Kind != NotFound {
		t.Fatalf("expected As to find the underlying *Error")
	}
}

func TestToEnvelopeHidesUnclassifiedMessages(t *testing.T) {
	env := ToEnvelope(errors.New("some internal detail"))
	if env.Kind != Internal {
		t.Fatalf("expected internal kind")
	}
	if env.Message == "some internal detail" {
		t.Fatalf("unclassified error message must not leak verbatim")
	}
}

func TestToEnvelopePreservesGatewayError(t *testing.T) {
	err := BadRequestf("voltage %v exceeds max %v", 30, 20)
	env := ToEnvelope(err)
	if env.Kind != BadRequest {
		t.Fatalf("expected bad_request kind")
	}
	if env.Message == "" {
		t.Fatalf("expected message to be preserved")
	}
}

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Transient("store.insert", errors.New("connection reset"))
	wrapped := fmt.Errorf("process job: %w", base)

	if !Is(wrapped, KindTransient) {
		t.Fatalf("expected transient, got %v", KindOf(wrapped))
	}
	if Is(wrapped, KindValidation) {
		t.Fatal("transient error reported as validation")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("op", "bad"), http.StatusBadRequest},
		{NotFound("op", "missing"), http.StatusNotFound},
		{Transient("op", errors.New("timeout")), http.StatusServiceUnavailable},
		{Permanent("op", errors.New("never")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestNilWrappersStayNil(t *testing.T) {
	if Transient("op", nil) != nil || Permanent("op", nil) != nil {
		t.Fatal("wrapping nil must return nil")
	}
}

package trace

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestMiddlewareAssignsRequestID(t *testing.T) {
	var seen string
	h := NewMiddleware(nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/summary", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("request id %q is not a uuid", seen)
	}
	if got := rec.Header().Get(HeaderRequestID); got != seen {
		t.Fatalf("response header %q, context %q", got, seen)
	}
}

func TestMiddlewareKeepsValidIncomingID(t *testing.T) {
	incoming := uuid.NewString()
	var seen string
	h := NewMiddleware(nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, incoming)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != incoming {
		t.Fatalf("request id = %q, want %q", seen, incoming)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "not a uuid\n")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "not a uuid\n" {
		t.Fatalf("malformed incoming id should be replaced")
	}
}

func TestMiddlewareMetrics(t *testing.T) {
	m := NewMiddleware(func(*http.Request) string { return "10.0.0.1" })
	codes := []int{http.StatusOK, http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError}
	for _, code := range codes {
		code := code
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}

	got := m.GetMetrics()
	if got.TotalRequests != 4 || got.ClientErrors != 2 || got.ServerErrors != 1 {
		t.Fatalf("metrics = %+v", got)
	}
	if got.AverageResponseTime() < 0 {
		t.Fatalf("negative average")
	}
	if (Metrics{}).AverageResponseTime() != 0 {
		t.Fatalf("empty metrics should average to zero")
	}
}

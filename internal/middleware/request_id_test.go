package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var got string
	handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("request ID %q is not a UUID: %v", got, err)
	}
	if h := w.Header().Get(RequestIDHeader); h != got {
		t.Errorf("header = %q, want %q", h, got)
	}
}

func TestRequestID_HeaderHandling(t *testing.T) {
	valid := uuid.NewString()

	tests := []struct {
		name     string
		header   string
		wantSame bool
	}{
		{name: "valid uuid is kept", header: valid, wantSame: true},
		{name: "invalid value is replaced", header: "not-a-uuid\r\nX-Evil: 1", wantSame: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := NewRequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(RequestIDHeader, tt.header)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if (got == tt.header) != tt.wantSame {
				t.Errorf("request ID = %q, header %q, wantSame %v", got, tt.header, tt.wantSame)
			}
		})
	}
}

package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/mindful/internal/gotrue"
	"github.com/hitoshi/mindful/internal/middleware"
	"github.com/hitoshi/mindful/internal/model"
)

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *model.APIError
		want int
	}{
		{"validation", model.NewValidationError("bad"), http.StatusBadRequest},
		{"not authenticated", model.NewNotAuthenticatedError(), http.StatusUnauthorized},
		{"identity mismatch", model.NewIdentityMismatchError("p-1"), http.StatusConflict},
		{"rate limited", model.NewRateLimitedError(), http.StatusTooManyRequests},
		{"profile update", model.NewProfileUpdateFailedError(errBoom), http.StatusBadGateway},
		{"sign in rejected", model.NewSignInFailedError(&gotrue.Error{Status: 400, Code: "invalid_grant"}), http.StatusUnauthorized},
		{"sign up rejected", model.NewSignUpFailedError(&gotrue.Error{Status: 422}), http.StatusBadRequest},
		{"reset rejected", model.NewResetPasswordFailedError(&gotrue.Error{Status: 400}), http.StatusBadRequest},
		{"provider rate limited", model.NewSignInFailedError(&gotrue.Error{Status: 429}), http.StatusTooManyRequests},
		{"provider down", model.NewSignInFailedError(&gotrue.Error{Status: 503}), http.StatusBadGateway},
		{"network failure", model.NewSignOutFailedError(fmt.Errorf("dial: %w", errBoom)), http.StatusBadGateway},
		{"wrapped provider error", model.NewSignUpFailedError(fmt.Errorf("sign up: %w", &gotrue.Error{Status: 400})), http.StatusBadRequest},
		{"unknown code", &model.APIError{Code: "SOMETHING_ELSE"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(tt.err); got != tt.want {
				t.Errorf("mapAPIErrorToHTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleServiceError_NonAPIErrorIs500(t *testing.T) {
	w := httptest.NewRecorder()
	handleServiceError(w, testLogger(), errBoom)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("boom")) {
		t.Error("internal error detail should not leak")
	}
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"email":"a@example.com","admin":true}`))
	w := httptest.NewRecorder()

	var body credentialsRequest
	if decodeJSON(w, req, &body) {
		t.Fatal("decodeJSON() = true, want false")
	}
	var resp middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if resp.Code != model.ErrCodeValidation {
		t.Errorf("code = %q, want %q", resp.Code, model.ErrCodeValidation)
	}
}

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/mindful/internal/model"
)

type stubStates struct {
	state model.SyncState
}

func (s stubStates) State() model.SyncState { return s.state }

func signedInStates(userID string) stubStates {
	return stubStates{state: model.SyncState{User: &model.Identity{ID: userID, Email: userID + "@example.com"}}}
}

func TestRequireAuthenticated_SignedIn_InjectsUserID(t *testing.T) {
	mw := NewRequireAuthenticatedMiddleware(signedInStates("user-1"))

	var gotUserID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Fatalf("UserIDFromContext() error = %v", err)
		}
		gotUserID = id
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/profile", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotUserID != "user-1" {
		t.Errorf("user ID = %q, want %q", gotUserID, "user-1")
	}
}

func TestRequireAuthenticated_SignedOut_Returns401(t *testing.T) {
	mw := NewRequireAuthenticatedMiddleware(stubStates{})

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/profile", nil))

	if called {
		t.Error("handler should not be called when signed out")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != model.ErrCodeNotAuthenticated {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeNotAuthenticated)
	}
}

func TestUserIDFromContext(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		want    string
		wantErr bool
	}{
		{name: "set", ctx: ContextWithUserID(context.Background(), "u-1"), want: "u-1"},
		{name: "missing", ctx: context.Background(), wantErr: true},
		{name: "empty", ctx: ContextWithUserID(context.Background(), ""), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UserIDFromContext(tt.ctx)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("UserIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hitoshi/mindful/internal/model"
)

func TestStateHandler_GetState_HidesTokens(t *testing.T) {
	states := newStates()
	states.signIn("user-1")
	states.setProfile(&model.Profile{ID: "user-1", Username: "calm", Level: 3})

	h := NewStateHandler(states, "", testLogger())
	w := httptest.NewRecorder()
	h.GetState(w, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, secret := range []string{"secret-access-token", "secret-refresh-token"} {
		if strings.Contains(body, secret) {
			t.Errorf("response should not contain %q: %s", secret, body)
		}
	}
	for _, want := range []string{`"id":"user-1"`, `"username":"calm"`, `"token_type":"bearer"`, `"preferred_categories":[]`} {
		if !strings.Contains(body, want) {
			t.Errorf("response missing %s: %s", want, body)
		}
	}
}

func TestToStateResponse_SignedOut(t *testing.T) {
	resp := toStateResponse(model.SyncState{AuthLoading: true, Version: 4})
	if resp.User != nil || resp.Session != nil || resp.Profile != nil {
		t.Errorf("signed out response = %+v, want empty user/session/profile", resp)
	}
	if !resp.AuthLoading || resp.Version != 4 {
		t.Errorf("flags = %+v", resp)
	}
}

func dialState(t *testing.T, h *StateHandler, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.Stream))
	t.Cleanup(srv.Close)

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return websocket.DefaultDialer.Dial(url, header)
}

func TestStateHandler_Stream_PushesSnapshots(t *testing.T) {
	states := newStates()
	h := NewStateHandler(states, "http://localhost:3000", testLogger())

	conn, _, err := dialState(t, h, "http://localhost:3000")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first stateResponse
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if first.User != nil {
		t.Fatalf("initial user = %+v, want nil", first.User)
	}

	states.signIn("user-ws")

	var next stateResponse
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read pushed state: %v", err)
	}
	if next.User == nil || next.User.ID != "user-ws" {
		t.Errorf("pushed user = %+v, want user-ws", next.User)
	}
	if next.Version <= first.Version {
		t.Errorf("version = %d, want > %d", next.Version, first.Version)
	}
}

func TestStateHandler_Stream_RejectsForeignOrigin(t *testing.T) {
	h := NewStateHandler(newStates(), "http://localhost:3000", testLogger())

	_, resp, err := dialState(t, h, "http://evil.example.com")
	if err == nil {
		t.Fatal("dial should fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

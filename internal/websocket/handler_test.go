package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/conversation"
	"chatrelay/internal/gateway"
	"chatrelay/internal/metrics"
	"chatrelay/internal/presence"
	"chatrelay/internal/router"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// stubVerifier accepts one fixed token.
type stubVerifier struct {
	token    string
	identity types.Identity
}

func (v *stubVerifier) Verify(token string) (types.Identity, error) {
	if token == v.token {
		return v.identity, nil
	}
	return types.Identity{}, interfaces.ErrInvalidToken
}

// stubStore satisfies the calls made during connect, dispatch and disconnect.
type stubStore struct {
	interfaces.Store
}

func (s *stubStore) SetUserOnline(ctx context.Context, userID int64, connectionID string) error {
	return nil
}
func (s *stubStore) SetUserOffline(ctx context.Context, userID int64) error { return nil }
func (s *stubStore) InsertBroadcastMessage(ctx context.Context, senderID int64, senderName, text string) (int64, error) {
	return 1, nil
}

func newTestHandler(verifier interfaces.TokenVerifier) (*Handler, *presence.Registry) {
	store := &stubStore{}
	sampler := metrics.NewSampler()
	registry := presence.NewRegistry(sampler)
	rt := router.NewRouter(registry, sampler, store)
	conv := conversation.NewManager(registry, store)
	gw := gateway.NewGateway(registry, sampler, rt, conv, store)
	return NewHandler(gw, verifier), registry
}

func TestHandleWebSocket_RejectsMissingToken(t *testing.T) {
	handler, _ := newTestHandler(&stubVerifier{token: "good"})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleWebSocket_RejectsBadToken(t *testing.T) {
	handler, _ := newTestHandler(&stubVerifier{token: "good"})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 handshake response, got %+v", resp)
	}
}

func TestHandleWebSocket_ConnectsAndDispatches(t *testing.T) {
	verifier := &stubVerifier{token: "good", identity: types.Identity{UserID: 1, Username: "alice"}}
	handler, registry := newTestHandler(verifier)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=good"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = client.Close() }()

	// Connect pushes a presence snapshot to the new client.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var snapshot types.Envelope
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if snapshot.Type != types.EventUserListUpdate {
		t.Fatalf("Expected user-list-update first, got %q", snapshot.Type)
	}

	if _, online := registry.FindByUserID(1); !online {
		t.Error("Expected user registered after handshake")
	}

	// An event round-trips through the gateway: broadcast comes back to the
	// sender.
	frame, _ := json.Marshal(types.Envelope{
		Type: types.EventPublicMessage,
		Data: map[string]string{"message": "hello"},
	})
	if err := client.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var echo types.Envelope
	if err := json.Unmarshal(data, &echo); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if echo.Type != types.EventNewMessage {
		t.Errorf("Expected new-message echo, got %q", echo.Type)
	}

	// Closing the client unregisters the user.
	_ = client.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, online := registry.FindByUserID(1); !online {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected user unregistered after client close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

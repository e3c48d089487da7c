package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/metrics"
	"chatrelay/internal/presence"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// memStore is an in-memory store covering the REST surface.
type memStore struct {
	interfaces.Store

	users     map[string]*types.User
	nextID    int64
	online    []*types.OnlineUser
	history   []*types.BroadcastMessage
	healthErr error
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]*types.User), nextID: 1}
}

func (s *memStore) CreateUser(ctx context.Context, username, phoneNumber, passwordHash string) (int64, error) {
	id := s.nextID
	s.nextID++
	u := &types.User{ID: id, Username: username, PhoneNumber: phoneNumber, PasswordHash: passwordHash, CreatedAt: time.Now()}
	s.users[username] = u
	s.users[phoneNumber] = u
	return id, nil
}

func (s *memStore) FindUserByUsernameOrPhone(ctx context.Context, key string) (*types.User, error) {
	if u, ok := s.users[key]; ok {
		return u, nil
	}
	return nil, interfaces.ErrUserNotFound
}

func (s *memStore) TouchLastLogin(ctx context.Context, userID int64) error { return nil }

func (s *memStore) ListOnlineUsers(ctx context.Context, excludingUserID int64) ([]*types.OnlineUser, error) {
	var out []*types.OnlineUser
	for _, u := range s.online {
		if u.ID != excludingUserID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *memStore) RecentBroadcastMessages(ctx context.Context, limit int) ([]*types.BroadcastMessage, error) {
	if limit > len(s.history) {
		limit = len(s.history)
	}
	return s.history[:limit], nil
}

func (s *memStore) HealthCheck(ctx context.Context) error { return s.healthErr }

func newTestServer(store *memStore) (*Server, *auth.Service) {
	authService := auth.NewService(store, "test-secret", time.Hour)
	registry := presence.NewRegistry(metrics.NewSampler())
	return NewServer(authService, store, registry), authService
}

func doJSON(t *testing.T, server *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestRegisterEndpoint(t *testing.T) {
	server, _ := newTestServer(newMemStore())

	rec := doJSON(t, server, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: "alice", PhoneNumber: "+15551111", Password: "password123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp AuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.User.Username != "alice" || resp.Token == "" {
		t.Errorf("Unexpected response %+v", resp)
	}

	// Duplicate registration conflicts.
	rec = doJSON(t, server, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: "alice", PhoneNumber: "+15552222", Password: "password123",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate, got %d", rec.Code)
	}

	// Validation failures are 400s.
	rec = doJSON(t, server, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: "bob", PhoneNumber: "+15553333", Password: "123",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for weak password, got %d", rec.Code)
	}
}

func TestLoginEndpoint(t *testing.T) {
	server, _ := newTestServer(newMemStore())

	doJSON(t, server, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: "alice", PhoneNumber: "+15551111", Password: "password123",
	})

	rec := doJSON(t, server, http.MethodPost, "/api/auth/login", "", LoginRequest{
		UsernameOrPhone: "alice", Password: "password123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp AuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Token == "" {
		t.Error("Expected a token on login")
	}

	rec = doJSON(t, server, http.MethodPost, "/api/auth/login", "", LoginRequest{
		UsernameOrPhone: "alice", Password: "wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad password, got %d", rec.Code)
	}
}

func TestOnlineUsersEndpoint(t *testing.T) {
	store := newMemStore()
	store.online = []*types.OnlineUser{
		{ID: 1, Username: "alice"},
		{ID: 2, Username: "bob"},
	}
	server, authService := newTestServer(store)

	// Unauthenticated requests are rejected.
	rec := doJSON(t, server, http.MethodGet, "/api/users/online", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", rec.Code)
	}

	// Register alice to get a token for user 1.
	_, token, err := authService.Register(context.Background(), "alice2", "+15559999", "password123")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	rec = doJSON(t, server, http.MethodGet, "/api/users/online", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var users []*types.OnlineUser
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	// Caller (user 1) is excluded.
	if len(users) != 1 || users[0].ID != 2 {
		t.Errorf("Expected only bob, got %+v", users)
	}
}

func TestMessageHistoryEndpoint(t *testing.T) {
	store := newMemStore()
	for i := int64(1); i <= 5; i++ {
		store.history = append(store.history, &types.BroadcastMessage{ID: i, Message: "m"})
	}
	server, authService := newTestServer(store)
	_, token, err := authService.Register(context.Background(), "alice", "+15551111", "password123")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	rec := doJSON(t, server, http.MethodGet, "/api/messages/history?limit=3", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var messages []*types.BroadcastMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &messages); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(messages) != 3 {
		t.Errorf("Expected 3 messages with limit=3, got %d", len(messages))
	}

	// Out-of-range limits fall back to the cap.
	rec = doJSON(t, server, http.MethodGet, "/api/messages/history?limit=9999", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &messages); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(messages) != 5 {
		t.Errorf("Expected all 5 messages, got %d", len(messages))
	}
}

func TestHealthEndpoint(t *testing.T) {
	store := newMemStore()
	server, _ := newTestServer(store)

	rec := doJSON(t, server, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.Status != "healthy" || health.Database != "healthy" {
		t.Errorf("Unexpected health %+v", health)
	}

	store.healthErr = errors.New("database gone")
	rec = doJSON(t, server, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when database is down, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(newMemStore())

	rec := doJSON(t, server, http.MethodGet, "/api/auth/register", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

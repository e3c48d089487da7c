package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/presence"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

const historyLimit = 100

// Server is the REST surface: account endpoints plus read-only listings.
// No business logic lives here, only HTTP handling and JSON serialization;
// everything else is delegated to the auth service and the store.
type Server struct {
	auth     *auth.Service
	store    interfaces.Store
	registry *presence.Registry
	router   *http.ServeMux
}

// NewServer creates the REST server and wires its routes.
func NewServer(authService *auth.Service, store interfaces.Store, registry *presence.Registry) *Server {
	s := &Server{
		auth:     authService,
		store:    store,
		registry: registry,
		router:   http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/auth/register", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleRegister))))
	s.router.Handle("/api/auth/login", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleLogin))))
	s.router.Handle("/api/users/online", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleOnlineUsers)))))
	s.router.Handle("/api/messages/history", s.corsMiddleware(s.jsonMiddleware(s.authMiddleware(http.HandlerFunc(s.handleMessageHistory)))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type RegisterRequest struct {
	Username    string `json:"username"`
	PhoneNumber string `json:"phoneNumber"`
	Password    string `json:"password"`
}

type LoginRequest struct {
	UsernameOrPhone string `json:"usernameOrPhone"`
	Password        string `json:"password"`
}

type AuthResponse struct {
	User  *types.User `json:"user"`
	Token string      `json:"token"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Database    string    `json:"database"`
	Connections int       `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleRegister creates an account: POST /api/auth/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, token, err := s.auth.Register(r.Context(), req.Username, req.PhoneNumber, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserExists):
			s.sendError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, auth.ErrMissingFields),
			errors.Is(err, types.ErrInvalidUsername),
			errors.Is(err, types.ErrInvalidPhone),
			errors.Is(err, types.ErrPasswordTooWeak):
			s.sendError(w, err.Error(), http.StatusBadRequest)
		default:
			log.Printf("Registration failed: %v", err)
			s.sendError(w, "Registration failed", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(AuthResponse{User: user, Token: token})
}

// handleLogin authenticates: POST /api/auth/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	user, token, err := s.auth.Login(r.Context(), req.UsernameOrPhone, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			s.sendError(w, "Invalid credentials", http.StatusUnauthorized)
		case errors.Is(err, auth.ErrMissingFields):
			s.sendError(w, err.Error(), http.StatusBadRequest)
		default:
			log.Printf("Login failed: %v", err)
			s.sendError(w, "Login failed", http.StatusInternalServerError)
		}
		return
	}

	_ = json.NewEncoder(w).Encode(AuthResponse{User: user, Token: token})
}

// handleOnlineUsers lists flagged-online users excluding the caller:
// GET /api/users/online.
func (s *Server) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity := identityFrom(r)
	users, err := s.store.ListOnlineUsers(r.Context(), identity.UserID)
	if err != nil {
		log.Printf("Online users listing failed: %v", err)
		s.sendError(w, "Failed to list online users", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []*types.OnlineUser{}
	}
	_ = json.NewEncoder(w).Encode(users)
}

// handleMessageHistory returns recent public messages, newest first:
// GET /api/messages/history?limit=N (capped at 100).
func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := historyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= historyLimit {
			limit = n
		}
	}

	messages, err := s.store.RecentBroadcastMessages(r.Context(), limit)
	if err != nil {
		log.Printf("Message history failed: %v", err)
		s.sendError(w, "Failed to load message history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*types.BroadcastMessage{}
	}
	_ = json.NewEncoder(w).Encode(messages)
}

// healthCheck reports component status: GET /health. Returns 503 when the
// database probe fails.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.registry.Len(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

type contextKey string

const identityKey contextKey = "identity"

func identityFrom(r *http.Request) types.Identity {
	identity, _ := r.Context().Value(identityKey).(types.Identity)
	return identity
}

// authMiddleware verifies the bearer token and stashes the identity in the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			s.sendError(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}

		identity, err := s.auth.Verify(token)
		if err != nil {
			s.sendError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

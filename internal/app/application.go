package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/conversation"
	"chatrelay/internal/database"
	"chatrelay/internal/gateway"
	"chatrelay/internal/metrics"
	"chatrelay/internal/presence"
	"chatrelay/internal/router"
	"chatrelay/internal/websocket"
	pkgdatabase "chatrelay/pkg/database"
)

// Application coordinates all system components with constructor injection.
// Initialization order follows the dependency graph:
// Store → Auth → Sampler → Registry → Router → Conversations → Gateway →
// WebSocket handler → API → HTTP.
type Application struct {
	config        *config.Config
	store         *database.Store
	authService   *auth.Service
	sampler       *metrics.Sampler
	registry      *presence.Registry
	messageRouter *router.Router
	conversations *conversation.Manager
	gateway       *gateway.Gateway
	apiServer     *api.Server
	httpServer    *http.Server
}

// NewApplication builds the full component graph from configuration.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}

	store, err := database.NewStore(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	authService := auth.NewService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	sampler := metrics.NewSampler()
	registry := presence.NewRegistry(sampler)
	messageRouter := router.NewRouter(registry, sampler, store)
	conversations := conversation.NewManager(registry, store)
	gw := gateway.NewGateway(registry, sampler, messageRouter, conversations, store)

	wsHandler := websocket.NewHandler(gw, authService)
	apiServer := api.NewServer(authService, store, registry)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:        cfg,
		store:         store,
		authService:   authService,
		sampler:       sampler,
		registry:      registry,
		messageRouter: messageRouter,
		conversations: conversations,
		gateway:       gw,
		apiServer:     apiServer,
		httpServer:    httpServer,
	}, nil
}

// Start brings up the HTTP server and confirms it is accepting connections
// before returning.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting chatrelay on %s", app.httpServer.Addr)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-time.After(100 * time.Millisecond):
		log.Printf("chatrelay started")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts down in reverse dependency order: HTTP first so no new
// connections arrive, then live connections, then the store.
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down chatrelay")

	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	for _, conn := range app.registry.All() {
		app.gateway.Disconnect(ctx, conn)
		_ = conn.Close()
	}

	if err := app.store.Close(); err != nil {
		log.Printf("Store shutdown error: %v", err)
	}

	log.Printf("chatrelay shutdown complete")
	return nil
}

// Addr returns the server address for external connections.
func (app *Application) Addr() string {
	return app.httpServer.Addr
}

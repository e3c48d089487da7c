package websocket

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/gateway"
	"chatrelay/pkg/interfaces"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the client origin list is settled.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler authenticates websocket handshakes and runs each connection's
// read loop. Verification happens before the upgrade so rejected clients
// get a proper HTTP status instead of an immediate close.
type Handler struct {
	gateway  *gateway.Gateway
	verifier interfaces.TokenVerifier
}

// NewHandler creates a websocket handler.
func NewHandler(gw *gateway.Gateway, verifier interfaces.TokenVerifier) *Handler {
	return &Handler{
		gateway:  gw,
		verifier: verifier,
	}
}

// HandleWebSocket upgrades an authenticated request. The bearer token is
// carried in the token query parameter because browser websocket clients
// cannot set headers.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}

	identity, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed for user %d: %v", identity.UserID, err)
		return
	}

	conn := NewConnection(wsConn, identity)

	if err := h.gateway.Connect(r.Context(), conn); err != nil {
		log.Printf("Failed to activate connection for user %d: %v", identity.UserID, err)
		_ = conn.Close()
		return
	}

	go h.readLoop(conn)
}

// readLoop is the single reader for a connection: events from one client are
// handled strictly in arrival order. It also owns heartbeat monitoring and
// the disconnect lifecycle.
func (h *Handler) readLoop(conn *Connection) {
	ctx := context.Background()
	defer func() {
		h.gateway.Disconnect(ctx, conn)
		_ = conn.Close()
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error for user %d: %v", conn.identity.UserID, err)
			}
			return
		}

		if messageType == websocket.TextMessage {
			h.gateway.HandleEvent(ctx, conn, data)
		}
	}
}

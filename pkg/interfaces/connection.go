package interfaces

import (
	"time"

	"chatrelay/pkg/types"
)

// Connection is a live client connection as seen by the core. The websocket
// implementation serializes writes through a single writer goroutine; mocks
// in tests just record what was pushed.
type Connection interface {
	// ID returns the opaque connection identifier (unique per connection,
	// not per user).
	ID() string

	// Identity returns the verified user bound at handshake.
	Identity() types.Identity

	// JoinedAt returns when the connection became active.
	JoinedAt() time.Time

	// WriteJSON pushes one event to the client (thread-safe).
	WriteJSON(v interface{}) error

	// Close tears down the transport and releases resources.
	Close() error
}

// TokenVerifier is the credential collaborator boundary: it turns a bearer
// token presented at handshake into a verified identity, or fails.
type TokenVerifier interface {
	Verify(token string) (types.Identity, error)
}

package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"chatrelay/internal/conversation"
	"chatrelay/internal/metrics"
	"chatrelay/internal/presence"
	"chatrelay/internal/router"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Gateway wires an authenticated connection into the presence registry and
// metrics sampler, and dispatches every inbound event to the router, the
// conversation manager or the sampler. Events from one connection arrive in
// order because each connection has a single read loop; shared state behind
// the components' own locks absorbs cross-connection interleaving.
type Gateway struct {
	registry      *presence.Registry
	sampler       *metrics.Sampler
	router        *router.Router
	conversations *conversation.Manager
	store         interfaces.Store
}

// NewGateway creates the gateway over its collaborating components.
func NewGateway(registry *presence.Registry, sampler *metrics.Sampler, r *router.Router, conversations *conversation.Manager, store interfaces.Store) *Gateway {
	return &Gateway{
		registry:      registry,
		sampler:       sampler,
		router:        r,
		conversations: conversations,
		store:         store,
	}
}

// Connect activates an authenticated connection: metrics window, presence
// registration, best-effort online flag, join notification to everyone
// else, then a fresh presence snapshot to everyone.
func (g *Gateway) Connect(ctx context.Context, conn interfaces.Connection) error {
	identity := conn.Identity()

	g.sampler.Track(conn.ID())
	if err := g.registry.Register(conn); err != nil {
		g.sampler.Forget(conn.ID())
		return err
	}

	if err := g.store.SetUserOnline(ctx, identity.UserID, conn.ID()); err != nil {
		log.Printf("Failed to persist online flag for user %d: %v", identity.UserID, err)
	}

	log.Printf("Connection active: user=%d name=%s conn=%s", identity.UserID, identity.Username, conn.ID())

	g.notifyOthers(conn, types.EventUserJoined, identity)
	g.broadcastSnapshot()
	return nil
}

// Disconnect tears a connection down: implicit typing-stop, presence
// removal, metrics teardown, best-effort offline flag, leave notification
// and a fresh snapshot. Safe to call for connections that were already
// replaced by a newer login.
func (g *Gateway) Disconnect(ctx context.Context, conn interfaces.Connection) {
	identity, removed := g.registry.Unregister(conn)
	g.sampler.Forget(conn.ID())
	if !removed {
		// Evicted by a newer connection for the same user; that
		// connection's lifecycle owns the presence events now.
		return
	}

	g.conversations.ClearTyping(ctx, identity)

	if err := g.store.SetUserOffline(ctx, identity.UserID); err != nil {
		log.Printf("Failed to persist offline flag for user %d: %v", identity.UserID, err)
	}

	log.Printf("Connection closed: user=%d name=%s conn=%s", identity.UserID, identity.Username, conn.ID())

	g.notifyOthers(conn, types.EventUserLeft, identity)
	g.broadcastSnapshot()
}

// HandleEvent dispatches one inbound event. Events referencing a connection
// no longer in the registry are dropped silently; a malformed frame is
// logged and skipped, never fatal to the connection.
func (g *Gateway) HandleEvent(ctx context.Context, conn interfaces.Connection, raw []byte) {
	if _, active := g.registry.Get(conn.ID()); !active {
		return
	}

	var event inboundEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		log.Printf("Malformed event from user %d: %v", conn.Identity().UserID, err)
		return
	}

	switch event.Type {
	case types.EventPing:
		g.handlePing(conn, event.Data)

	case types.EventPublicMessage:
		var data publicMessageData
		if !decode(conn, event.Type, event.Data, &data) {
			return
		}
		if err := g.router.Broadcast(ctx, conn, data.Message); err != nil {
			log.Printf("Broadcast from user %d rejected: %v", conn.Identity().UserID, err)
		}

	case types.EventDirectMessage:
		var data directMessageData
		if !decode(conn, event.Type, event.Data, &data) {
			return
		}
		if err := g.router.SendDirect(ctx, conn, data.ToUserID, data.Message); err != nil {
			log.Printf("Direct send from user %d failed: %v", conn.Identity().UserID, err)
		}

	case types.EventGetConversation:
		var data conversationData
		if !decode(conn, event.Type, event.Data, &data) {
			return
		}
		messages, err := g.conversations.Conversation(ctx, conn.Identity().UserID, data.WithUserID)
		if err != nil {
			log.Printf("Conversation fetch for user %d failed: %v", conn.Identity().UserID, err)
			return
		}
		g.push(conn, types.EventConversationHistory, messages)

	case types.EventMarkMessagesRead:
		var data markReadData
		if !decode(conn, event.Type, event.Data, &data) {
			return
		}
		if err := g.conversations.MarkRead(ctx, conn, data.MessageIDs); err != nil {
			log.Printf("Mark-read for user %d failed: %v", conn.Identity().UserID, err)
		}

	case types.EventTypingStart:
		var data typingData
		if !decode(conn, event.Type, event.Data, &data) {
			return
		}
		g.conversations.StartTyping(ctx, conn, data.TargetUserID)

	case types.EventTypingStop:
		var data typingData
		if !decode(conn, event.Type, event.Data, &data) {
			return
		}
		g.conversations.StopTyping(ctx, conn, data.TargetUserID)

	case types.EventGetRecentConversations:
		summaries, err := g.conversations.RecentConversations(ctx, conn.Identity().UserID)
		if err != nil {
			log.Printf("Recent conversations for user %d failed: %v", conn.Identity().UserID, err)
			return
		}
		g.push(conn, types.EventRecentConversations, summaries)

	case types.EventGetOnlineUsers:
		users, err := g.store.ListOnlineUsers(ctx, conn.Identity().UserID)
		if err != nil {
			log.Printf("Online users for user %d failed: %v", conn.Identity().UserID, err)
			return
		}
		g.push(conn, types.EventOnlineUsersList, users)

	case types.EventGetNetworkStats:
		if stats, ok := g.sampler.Stats(conn.ID()); ok {
			g.push(conn, types.EventNetworkStats, stats)
		}

	default:
		log.Printf("Unknown event type %q from user %d", event.Type, conn.Identity().UserID)
	}
}

// handlePing records the round-trip sample and answers with a pong carrying
// the instantaneous latency plus freshly recomputed window values.
func (g *Gateway) handlePing(conn interfaces.Connection, raw json.RawMessage) {
	var data pingData
	if !decode(conn, types.EventPing, raw, &data) {
		return
	}

	serverTime := time.Now().UnixMilli()
	latency := float64(serverTime - data.ClientTime)

	g.sampler.RecordSample(conn.ID(), latency)

	average := g.sampler.AverageLatency(conn.ID())
	jitter := g.sampler.Jitter(conn.ID())
	g.push(conn, types.EventPong, types.PongPayload{
		ClientTime:        data.ClientTime,
		ServerTime:        serverTime,
		Latency:           latency,
		AverageLatency:    average,
		Jitter:            jitter,
		ConnectionQuality: metrics.HealthLabel(average, jitter, 0),
	})
}

func (g *Gateway) push(conn interfaces.Connection, eventType string, data interface{}) {
	envelope := types.Envelope{Type: eventType, Data: data}
	if err := conn.WriteJSON(envelope); err != nil {
		log.Printf("Failed to push %s to user %d: %v", eventType, conn.Identity().UserID, err)
	}
}

// notifyOthers pushes an identity event to every live connection except the
// originating one.
func (g *Gateway) notifyOthers(conn interfaces.Connection, eventType string, identity types.Identity) {
	envelope := types.Envelope{Type: eventType, Data: identity}
	for _, other := range g.registry.All() {
		if other.ID() == conn.ID() {
			continue
		}
		if err := other.WriteJSON(envelope); err != nil {
			log.Printf("Failed to push %s to user %d: %v", eventType, other.Identity().UserID, err)
		}
	}
}

// broadcastSnapshot pushes a freshly composed presence snapshot to every
// live connection, the originator included.
func (g *Gateway) broadcastSnapshot() {
	envelope := types.Envelope{Type: types.EventUserListUpdate, Data: g.registry.Snapshot()}
	for _, conn := range g.registry.All() {
		if err := conn.WriteJSON(envelope); err != nil {
			log.Printf("Failed to push presence snapshot to user %d: %v", conn.Identity().UserID, err)
		}
	}
}

func decode(conn interfaces.Connection, eventType string, raw json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Printf("Malformed %s payload from user %d: %v", eventType, conn.Identity().UserID, err)
		return false
	}
	return true
}

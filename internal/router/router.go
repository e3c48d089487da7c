package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"chatrelay/internal/metrics"
	"chatrelay/internal/presence"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Router decides which live connections receive a message and what
// persisted status gets recorded. Broadcast and directed sends follow
// distinct paths: broadcast is fire-and-forget fan-out, directed tracks the
// delivery lifecycle.
type Router struct {
	registry *presence.Registry
	sampler  *metrics.Sampler
	store    interfaces.Store
}

// NewRouter creates a router over the given registry, sampler and store.
func NewRouter(registry *presence.Registry, sampler *metrics.Sampler, store interfaces.Store) *Router {
	return &Router{
		registry: registry,
		sampler:  sampler,
		store:    store,
	}
}

// Broadcast persists a public message and pushes it to every live
// connection, sender included, with an identical payload. A persistence
// failure is logged and does not block fan-out, but fan-out only starts
// once the persist attempt has completed.
func (r *Router) Broadcast(ctx context.Context, sender interfaces.Connection, text string) error {
	if err := types.ValidateMessageText(text); err != nil {
		return err
	}

	identity := sender.Identity()
	msg := &types.BroadcastMessage{
		UserID:    identity.UserID,
		Username:  identity.Username,
		Message:   text,
		Timestamp: time.Now(),
	}

	id, err := r.store.InsertBroadcastMessage(ctx, identity.UserID, identity.Username, text)
	if err != nil {
		log.Printf("Failed to persist broadcast message from user %d: %v", identity.UserID, err)
	} else {
		msg.ID = id
	}

	r.sampler.IncrementSent(sender.ID())

	envelope := types.Envelope{Type: types.EventNewMessage, Data: msg}
	for _, conn := range r.registry.All() {
		if err := conn.WriteJSON(envelope); err != nil {
			log.Printf("Failed to deliver broadcast to user %d: %v", conn.Identity().UserID, err)
			continue
		}
		r.sampler.IncrementReceived(conn.ID())
	}
	return nil
}

// SendDirect validates the recipient, persists the message with initial
// status "sent", then routes. When the recipient has a live connection the
// persisted status is bumped to "delivered" before the push, so the
// recipient never sees a message whose stored status lags what the sender
// was told. The sender always gets a dm-sent ack carrying the final status;
// validation failures surface as a dm-error to the sender only.
func (r *Router) SendDirect(ctx context.Context, sender interfaces.Connection, toUserID int64, text string) error {
	identity := sender.Identity()

	if err := types.ValidateMessageText(text); err != nil {
		r.pushError(sender, err.Error())
		return err
	}

	recipient, err := r.store.FindUserByID(ctx, toUserID)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			r.pushError(sender, "Recipient not found")
			return ErrRecipientNotFound
		}
		r.pushError(sender, "Failed to send message")
		return fmt.Errorf("recipient lookup failed: %w", err)
	}

	msg, err := r.store.InsertDirectMessage(ctx, identity.UserID, toUserID, text)
	if err != nil {
		// Liveness over durability: the send still goes out, the gap is
		// only in persisted history.
		log.Printf("Failed to persist direct message from %d to %d: %v", identity.UserID, toUserID, err)
		msg = &types.DirectMessage{
			FromUserID: identity.UserID,
			ToUserID:   toUserID,
			Message:    text,
			Timestamp:  time.Now(),
		}
	}
	msg.FromUsername = identity.Username
	msg.ToUsername = recipient.Username

	r.sampler.IncrementSent(sender.ID())

	// Liveness is re-checked after the persistence suspension; the
	// recipient may have disconnected since the send was issued.
	if _, online := r.registry.FindByUserID(toUserID); online {
		now := time.Now()
		if msg.ID != 0 {
			if err := r.store.MarkDelivered(ctx, msg.ID, now); err != nil {
				log.Printf("Failed to mark message %d delivered: %v", msg.ID, err)
			}
		}
		msg.Delivered = true
		msg.DeliveredAt = &now

		// Status update precedes the push. Re-check once more: the status
		// write is itself a suspension point.
		if conn, stillOnline := r.registry.FindByUserID(toUserID); stillOnline {
			push := types.Envelope{Type: types.EventNewDirectMessage, Data: types.DirectMessageWire(msg)}
			if err := conn.WriteJSON(push); err != nil {
				log.Printf("Failed to deliver direct message %d to user %d: %v", msg.ID, toUserID, err)
			} else {
				r.sampler.IncrementReceived(conn.ID())
			}
		}
	}

	ack := types.Envelope{Type: types.EventDMSent, Data: types.DirectMessageWire(msg)}
	if err := sender.WriteJSON(ack); err != nil {
		log.Printf("Failed to ack direct message %d to sender %d: %v", msg.ID, identity.UserID, err)
	}
	return nil
}

// pushError reports a directed-send failure to the originating connection
// only. Never fatal to the connection.
func (r *Router) pushError(sender interfaces.Connection, reason string) {
	envelope := types.Envelope{Type: types.EventDMError, Data: reason}
	if err := sender.WriteJSON(envelope); err != nil {
		log.Printf("Failed to push dm-error to user %d: %v", sender.Identity().UserID, err)
	}
}

package conversation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chatrelay/internal/presence"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

const (
	conversationLimit = 100
	recentLimit       = 20
)

// pairKey identifies the ordered (typist, target) pair of a typing record.
type pairKey struct {
	userID       int64
	targetUserID int64
}

// Manager owns the directed-message read lifecycle and the per-pair typing
// state. Typing records live in memory with overwrite semantics; the
// database mirror is best-effort.
type Manager struct {
	registry *presence.Registry
	store    interfaces.Store

	mu     sync.Mutex
	typing map[pairKey]*types.TypingIndicator
}

// NewManager creates a conversation manager.
func NewManager(registry *presence.Registry, store interfaces.Store) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		typing:   make(map[pairKey]*types.TypingIndicator),
	}
}

// MarkRead flips the given messages to read on behalf of the reader. Only
// rows addressed to the reader are touched; foreign ids are silently
// skipped so one user can never mutate another's receipts. After the batch
// update, each live sender among the affected messages gets exactly one
// messages-read event.
func (m *Manager) MarkRead(ctx context.Context, reader interfaces.Connection, messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}

	readerID := reader.Identity().UserID
	now := time.Now()

	if err := m.store.MarkReadBatch(ctx, messageIDs, readerID, now); err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}

	senders, err := m.store.SendersOf(ctx, messageIDs, readerID)
	if err != nil {
		return fmt.Errorf("failed to resolve senders for read receipts: %w", err)
	}

	receipt := types.Envelope{
		Type: types.EventMessagesRead,
		Data: types.ReadReceiptPayload{
			MessageIDs: messageIDs,
			ReadBy:     readerID,
			ReadAt:     now,
		},
	}
	for _, senderID := range senders {
		// Liveness checked at push time, not before the batch update.
		conn, online := m.registry.FindByUserID(senderID)
		if !online {
			continue
		}
		if err := conn.WriteJSON(receipt); err != nil {
			log.Printf("Failed to push read receipt to user %d: %v", senderID, err)
		}
	}
	return nil
}

// StartTyping records that from is typing to targetUserID and notifies the
// target's live connection, if any. State is recorded even when the target
// is offline.
func (m *Manager) StartTyping(ctx context.Context, from interfaces.Connection, targetUserID int64) {
	m.setTyping(ctx, from.Identity(), targetUserID, true)
}

// StopTyping clears the typing flag for the ordered pair and notifies the
// target's live connection, if any.
func (m *Manager) StopTyping(ctx context.Context, from interfaces.Connection, targetUserID int64) {
	m.setTyping(ctx, from.Identity(), targetUserID, false)
}

func (m *Manager) setTyping(ctx context.Context, from types.Identity, targetUserID int64, isTyping bool) {
	now := time.Now()
	key := pairKey{userID: from.UserID, targetUserID: targetUserID}

	m.mu.Lock()
	m.typing[key] = &types.TypingIndicator{
		UserID:       from.UserID,
		TargetUserID: targetUserID,
		IsTyping:     isTyping,
		UpdatedAt:    now,
	}
	m.mu.Unlock()

	// Best-effort persistence: visible typing state may drift from the
	// stored mirror until the next successful write.
	if err := m.store.UpsertTypingIndicator(ctx, from.UserID, targetUserID, isTyping, now); err != nil {
		log.Printf("Failed to persist typing indicator %d->%d: %v", from.UserID, targetUserID, err)
	}

	m.notifyTyping(from, targetUserID, isTyping)
}

func (m *Manager) notifyTyping(from types.Identity, targetUserID int64, isTyping bool) {
	target, online := m.registry.FindByUserID(targetUserID)
	if !online {
		return
	}

	var envelope types.Envelope
	if isTyping {
		envelope = types.Envelope{
			Type: types.EventUserTyping,
			Data: types.TypingPayload{UserID: from.UserID, Username: from.Username},
		}
	} else {
		envelope = types.Envelope{
			Type: types.EventUserStopTyping,
			Data: types.TypingPayload{UserID: from.UserID},
		}
	}
	if err := target.WriteJSON(envelope); err != nil {
		log.Printf("Failed to push typing notification to user %d: %v", targetUserID, err)
	}
}

// ClearTyping treats a disconnect as an implicit typing-stop for every pair
// where the leaving user is the typist, so targets never see a stale
// indicator after an abrupt close.
func (m *Manager) ClearTyping(ctx context.Context, identity types.Identity) {
	m.mu.Lock()
	var targets []int64
	for key, record := range m.typing {
		if key.userID == identity.UserID {
			if record.IsTyping {
				targets = append(targets, key.targetUserID)
			}
			delete(m.typing, key)
		}
	}
	m.mu.Unlock()

	now := time.Now()
	for _, targetID := range targets {
		if err := m.store.UpsertTypingIndicator(ctx, identity.UserID, targetID, false, now); err != nil {
			log.Printf("Failed to clear typing indicator %d->%d: %v", identity.UserID, targetID, err)
		}
		m.notifyTyping(identity, targetID, false)
	}
}

// IsTyping reports the live typing flag for an ordered pair.
func (m *Manager) IsTyping(userID, targetUserID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.typing[pairKey{userID: userID, targetUserID: targetUserID}]
	return exists && record.IsTyping
}

// Conversation fetches the directed history between two users, ascending
// by time, bounded to the newest 100 messages.
func (m *Manager) Conversation(ctx context.Context, userID, withUserID int64) ([]*types.DirectMessage, error) {
	messages, err := m.store.Conversation(ctx, userID, withUserID, conversationLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return messages, nil
}

// RecentConversations fetches the per-peer summaries for the sidebar,
// newest first, bounded to 20 peers.
func (m *Manager) RecentConversations(ctx context.Context, userID int64) ([]*types.ConversationSummary, error) {
	summaries, err := m.store.RecentConversations(ctx, userID, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent conversations: %w", err)
	}
	return summaries, nil
}

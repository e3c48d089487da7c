package interfaces

import (
	"context"
	"time"

	"chatrelay/pkg/types"
)

// Store is the persistence collaborator consumed by the session core. The
// core never touches SQL directly; everything it needs from durable storage
// is enumerated here so tests can substitute an in-memory implementation.
type Store interface {
	// User accounts
	CreateUser(ctx context.Context, username, phoneNumber, passwordHash string) (int64, error)
	FindUserByUsernameOrPhone(ctx context.Context, key string) (*types.User, error)
	FindUserByID(ctx context.Context, userID int64) (*types.User, error)
	TouchLastLogin(ctx context.Context, userID int64) error

	// Presence flags are best-effort mirrors of the in-memory registry;
	// callers log and swallow failures.
	SetUserOnline(ctx context.Context, userID int64, connectionID string) error
	SetUserOffline(ctx context.Context, userID int64) error
	ListOnlineUsers(ctx context.Context, excludingUserID int64) ([]*types.OnlineUser, error)

	// Broadcast messages
	InsertBroadcastMessage(ctx context.Context, senderID int64, senderName, text string) (int64, error)
	RecentBroadcastMessages(ctx context.Context, limit int) ([]*types.BroadcastMessage, error)

	// Directed messages. InsertDirectMessage records initial status "sent";
	// MarkReadBatch only touches rows addressed to recipientID.
	InsertDirectMessage(ctx context.Context, fromUserID, toUserID int64, text string) (*types.DirectMessage, error)
	MarkDelivered(ctx context.Context, messageID int64, at time.Time) error
	MarkReadBatch(ctx context.Context, messageIDs []int64, recipientID int64, at time.Time) error
	SendersOf(ctx context.Context, messageIDs []int64, recipientID int64) ([]int64, error)
	Conversation(ctx context.Context, userA, userB int64, limit int) ([]*types.DirectMessage, error)
	RecentConversations(ctx context.Context, userID int64, limit int) ([]*types.ConversationSummary, error)

	// Typing indicators
	UpsertTypingIndicator(ctx context.Context, userID, targetUserID int64, isTyping bool, at time.Time) error

	// Health and lifecycle
	HealthCheck(ctx context.Context) error
	Close() error
}

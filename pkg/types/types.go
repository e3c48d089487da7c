package types

import (
	"time"
)

// Event type constants shared by the gateway and every component that pushes
// to clients. Inbound names are what clients send; outbound names are what
// the server emits.
const (
	// Inbound
	EventPublicMessage          = "public-message"
	EventDirectMessage          = "direct-message"
	EventGetConversation        = "get-conversation"
	EventMarkMessagesRead       = "mark-messages-read"
	EventTypingStart            = "typing-start"
	EventTypingStop             = "typing-stop"
	EventGetRecentConversations = "get-recent-conversations"
	EventGetOnlineUsers         = "get-online-users"
	EventPing                   = "ping"
	EventGetNetworkStats        = "get-network-stats"

	// Outbound
	EventUserJoined          = "user-joined"
	EventUserLeft            = "user-left"
	EventUserListUpdate      = "user-list-update"
	EventNewMessage          = "new-message"
	EventDMSent              = "dm-sent"
	EventNewDirectMessage    = "new-direct-message"
	EventMessagesRead        = "messages-read"
	EventUserTyping          = "user-typing"
	EventUserStopTyping      = "user-stop-typing"
	EventPong                = "pong"
	EventNetworkStats        = "network-stats"
	EventDMError             = "dm-error"
	EventConversationHistory = "conversation-history"
	EventRecentConversations = "recent-conversations"
	EventOnlineUsersList     = "online-users-list"
)

// Directed message delivery states. Transitions are monotonic:
// sent -> delivered -> read, with delivered skippable when the recipient
// was offline at send time and reads after reconnecting.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Identity is the verified user attached to a connection at handshake.
// Immutable for the connection's lifetime.
type Identity struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

// User is the persisted account record.
type User struct {
	ID           int64      `json:"id"`
	Username     string     `json:"username"`
	PhoneNumber  string     `json:"phoneNumber"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
	IsOnline     bool       `json:"isOnline"`
}

// BroadcastMessage is a public room message. Fire-and-forget: no
// per-recipient delivery state is tracked.
type BroadcastMessage struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// DirectMessage is a one-to-one message with delivery lifecycle flags.
// The flags mirror the persisted columns; Status derives the label.
type DirectMessage struct {
	ID           int64      `json:"id"`
	FromUserID   int64      `json:"fromUserId"`
	FromUsername string     `json:"fromUsername,omitempty"`
	ToUserID     int64      `json:"toUserId"`
	ToUsername   string     `json:"toUsername,omitempty"`
	Message      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	Delivered    bool       `json:"delivered"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	Read         bool       `json:"read"`
	ReadAt       *time.Time `json:"readAt,omitempty"`
}

// Status returns the lifecycle label for the message. Read wins over
// delivered so a message read after an offline period never reports a
// regressed state.
func (m *DirectMessage) Status() string {
	switch {
	case m.Read:
		return StatusRead
	case m.Delivered:
		return StatusDelivered
	default:
		return StatusSent
	}
}

// TypingIndicator is the single live record for an ordered (user, target)
// pair. Overwrite semantics: starting or stopping updates it in place.
type TypingIndicator struct {
	UserID       int64     `json:"userId"`
	TargetUserID int64     `json:"targetUserId"`
	IsTyping     bool      `json:"isTyping"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PresenceEntry is one row of the on-demand presence snapshot, composed
// from the registry and the metrics sampler at call time.
type PresenceEntry struct {
	UserID            int64   `json:"userId"`
	Username          string  `json:"username"`
	Latency           float64 `json:"latency"`
	Jitter            float64 `json:"jitter"`
	ConnectionQuality string  `json:"connectionQuality"`
}

// NetworkStats is the per-connection quality report pushed in response to
// a get-network-stats event.
type NetworkStats struct {
	Latency           float64   `json:"latency"`
	Jitter            float64   `json:"jitter"`
	PacketLoss        float64   `json:"packetLoss"`
	ConnectionQuality string    `json:"connectionQuality"`
	PacketsSent       int       `json:"packetsSent"`
	PacketsReceived   int       `json:"packetsReceived"`
	TotalMeasurements int       `json:"totalMeasurements"`
	Timestamp         time.Time `json:"timestamp"`
}

// ConversationSummary is one per-peer row of the recent-conversations list.
type ConversationSummary struct {
	PeerID          int64     `json:"userId"`
	PeerName        string    `json:"username"`
	LastMessageAt   time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
	LastMessageText string    `json:"lastMessage"`
}

// OnlineUser is one row of the online-users listing.
type OnlineUser struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	LastLogin *time.Time `json:"lastLogin,omitempty"`
}

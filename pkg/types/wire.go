package types

import "time"

// Outbound payload shapes. Field names are part of the client protocol and
// must stay stable.

// DirectMessagePayload is the body of dm-sent and new-direct-message events.
type DirectMessagePayload struct {
	ID           int64     `json:"id"`
	From         int64     `json:"from"`
	FromUsername string    `json:"fromUsername"`
	To           int64     `json:"to"`
	ToUsername   string    `json:"toUsername"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
}

// DirectMessageWire converts a stored message to its wire form, deriving
// the status label from the lifecycle flags.
func DirectMessageWire(m *DirectMessage) DirectMessagePayload {
	return DirectMessagePayload{
		ID:           m.ID,
		From:         m.FromUserID,
		FromUsername: m.FromUsername,
		To:           m.ToUserID,
		ToUsername:   m.ToUsername,
		Message:      m.Message,
		Timestamp:    m.Timestamp,
		Status:       m.Status(),
	}
}

// ReadReceiptPayload is the body of a messages-read event pushed to the
// senders of the affected messages.
type ReadReceiptPayload struct {
	MessageIDs []int64   `json:"messageIds"`
	ReadBy     int64     `json:"readBy"`
	ReadAt     time.Time `json:"readAt"`
}

// TypingPayload is the body of user-typing and user-stop-typing events.
// Username is omitted on stop.
type TypingPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username,omitempty"`
}

// PongPayload answers a client ping probe with the instantaneous reading
// and the freshly derived window values.
type PongPayload struct {
	ClientTime        int64   `json:"clientTime"`
	ServerTime        int64   `json:"serverTime"`
	Latency           float64 `json:"latency"`
	AverageLatency    float64 `json:"averageLatency"`
	Jitter            float64 `json:"jitter"`
	ConnectionQuality string  `json:"connectionQuality"`
}

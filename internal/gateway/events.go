package gateway

import "encoding/json"

// inboundEvent is the decoded wire frame for client events. Data stays raw
// until the dispatch switch knows which payload shape to expect.
type inboundEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type publicMessageData struct {
	Message string `json:"message"`
}

type directMessageData struct {
	ToUserID int64  `json:"toUserId"`
	Message  string `json:"message"`
}

type conversationData struct {
	WithUserID int64 `json:"withUserId"`
}

type markReadData struct {
	MessageIDs []int64 `json:"messageIds"`
}

type typingData struct {
	TargetUserID int64 `json:"targetUserId"`
}

type pingData struct {
	ClientTime int64 `json:"clientTime"`
}

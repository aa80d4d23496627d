package wire

import "encoding/json"

// Frame is one client-server message over the socket transport.
// Requests may carry an ack id; the matching response echoes it back.
type Frame struct {
	Type    string          `json:"type"`
	Ack     uint64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client -> server frame types.
const (
	FrameRoomJoin        = "room:join"
	FrameRoomLeave       = "room:leave"
	FrameMessageSend     = "message:send"
	FrameTyping          = "typing" // deprecated, kept for older clients
	FrameTypingStart     = "typing:start"
	FrameTypingStop      = "typing:stop"
	FrameHeartbeat       = "heartbeat"
	FramePresenceRoom    = "presence:room"
	FramePresenceStatus  = "presence:status"
	FrameMessageRead     = "message:read"
	FrameReadReceiptsGet = "read_receipts:get"
	FrameAuthRefresh     = "auth:refresh"
)

// Server -> client frame types.
const (
	FrameConnectionSuccess = "connection:success"
	FrameMessageNew        = "message:new"
	FrameUserJoined        = "user:joined"
	FrameUserLeft          = "user:left"
	FramePresenceUpdate    = "presence:update"
	FrameTypingUpdate      = "typing:update"
	FrameAuthRefreshed     = "auth:refreshed"
	FrameError             = "error"
)

// NewFrame marshals payload into a Frame of the given type.
func NewFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, WrapError(KindTransient, "encode frame payload", err)
	}
	return Frame{Type: frameType, Payload: raw}, nil
}

// MustFrame is NewFrame for payloads that cannot fail to marshal.
func MustFrame(frameType string, payload any) Frame {
	f, err := NewFrame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// ErrorFrame converts a handler failure into an outbound error frame.
func ErrorFrame(err *Error) Frame {
	return MustFrame(FrameError, ErrorPayload{
		Code:       err.Code,
		Message:    err.Message,
		RetryAfter: err.RetryAfter,
	})
}

// RoomJoinRequest asks to join a room.
type RoomJoinRequest struct {
	RoomID uint `json:"roomId"`
}

// RoomMemberInfo is one member row in a room presence snapshot.
type RoomMemberInfo struct {
	UserID     uint   `json:"userId"`
	Username   string `json:"username,omitempty"`
	Status     string `json:"status"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// RoomJoinAck answers room:join.
type RoomJoinAck struct {
	RoomID      uint             `json:"roomId"`
	RoomName    string           `json:"roomName"`
	MemberCount int              `json:"memberCount"`
	OnlineUsers []RoomMemberInfo `json:"onlineUsers"`
}

// RoomLeaveRequest asks to leave a room.
type RoomLeaveRequest struct {
	RoomID uint `json:"roomId"`
}

// RoomLeaveAck answers room:leave.
type RoomLeaveAck struct {
	RoomID  uint `json:"roomId"`
	Success bool `json:"success"`
}

// MessageSendRequest carries an outbound chat message.
type MessageSendRequest struct {
	RoomID    uint   `json:"roomId"`
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// MessagePayload is the persisted message echoed in acks and message:new.
type MessagePayload struct {
	ID         string `json:"id"`
	RoomID     uint   `json:"roomId"`
	SenderID   uint   `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	ReplyToID  string `json:"replyToId,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
}

// TypingRequest is the deprecated combined typing frame.
type TypingRequest struct {
	RoomID   uint `json:"roomId"`
	IsTyping bool `json:"isTyping"`
}

// TypingStartStopRequest is the payload of typing:start and typing:stop.
type TypingStartStopRequest struct {
	RoomID uint `json:"roomId"`
}

// TypingUser identifies one currently-typing user.
type TypingUser struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
}

// TypingAck answers typing:start/typing:stop and is the body of typing:update.
type TypingAck struct {
	RoomID      uint         `json:"roomId"`
	TypingUsers []TypingUser `json:"typingUsers"`
}

// HeartbeatAck answers heartbeat.
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
}

// PresenceRoomRequest asks for a room presence snapshot.
type PresenceRoomRequest struct {
	RoomID uint `json:"roomId"`
}

// PresenceRoomAck answers presence:room.
type PresenceRoomAck struct {
	RoomID       uint             `json:"roomId"`
	Members      []RoomMemberInfo `json:"members"`
	TotalOnline  int              `json:"totalOnline"`
	TotalIdle    int              `json:"totalIdle"`
	TotalAway    int              `json:"totalAway"`
	TotalBusy    int              `json:"totalBusy"`
	TotalOffline int              `json:"totalOffline"`
}

// PresenceStatusRequest sets the caller's explicit status.
type PresenceStatusRequest struct {
	Status string `json:"status"`
}

// SuccessAck is a bare success acknowledgement.
type SuccessAck struct {
	Success bool `json:"success"`
}

// MessageReadRequest marks a message as read.
type MessageReadRequest struct {
	RoomID    uint   `json:"roomId"`
	MessageID string `json:"messageId"`
}

// ReadReceiptsRequest asks for the readers of a message.
type ReadReceiptsRequest struct {
	RoomID    uint   `json:"roomId"`
	MessageID string `json:"messageId"`
}

// Reader is one read-receipt row.
type Reader struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	ReadAt   int64  `json:"readAt"`
}

// ReadReceiptsAck answers read_receipts:get.
type ReadReceiptsAck struct {
	RoomID    uint     `json:"roomId"`
	MessageID string   `json:"messageId"`
	Readers   []Reader `json:"readers"`
}

// AuthRefreshRequest rotates a refresh token mid-connection.
type AuthRefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// AuthRefreshAck answers auth:refresh and is echoed as auth:refreshed.
type AuthRefreshAck struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// ConnectionSuccessPayload is sent once after a successful handshake.
type ConnectionSuccessPayload struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	SocketID string `json:"socketId"`
}

// PresenceUpdatePayload is the body of presence:update.
type PresenceUpdatePayload struct {
	RoomID    uint   `json:"roomId"`
	UserID    uint   `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// RoomActionPayload is the body of user:joined / user:left.
type RoomActionPayload struct {
	UserID   uint   `json:"userId"`
	Username string `json:"username"`
	RoomID   uint   `json:"roomId"`
	Action   string `json:"action"`
}

// MessageReadBroadcast is the body of the message:read frame delivered to
// the original sender.
type MessageReadBroadcast struct {
	RoomID    uint   `json:"roomId"`
	MessageID string `json:"messageId"`
	UserID    uint   `json:"userId"`
	Username  string `json:"username"`
	ReadAt    int64  `json:"readAt"`
}

package model

import "time"

// Event types pushed to connections
const (
	EventReceiveMessage   = "receive_message"
	EventMessageDelivered = "message_delivered"
	EventMessagesRead     = "messages_read"
	EventMessageUpdated   = "message_updated"
	EventMessageDeleted   = "message_deleted"
	EventMessageExpired   = "message_expired"
	EventUserStatusChange = "user_status_change"
	EventUserTyping       = "user_typing"
	EventAck              = "ack"
	EventError            = "error"
	EventPong             = "pong"
)

// Event is the envelope written to a WebSocket connection
type Event struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Data any    `json:"data,omitempty"`
}

// NewEvent builds an Event
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data}
}

// DeliveredEvent is sent to the sender once the receiver got the message
type DeliveredEvent struct {
	MessageID int64     `json:"messageId"`
	Status    State     `json:"status"`
	At        time.Time `json:"delivered_at"`
}

// ReadEvent notifies the sender that the receiver read the conversation
type ReadEvent struct {
	SenderID   int64     `json:"senderId"`
	ReceiverID int64     `json:"receiverId"`
	MessageIDs []int64   `json:"messageIds"`
	ReadAt     time.Time `json:"read_at"`
}

// UpdateEvent carries an edited payload
type UpdateEvent struct {
	ID         int64  `json:"id"`
	Payload    string `json:"message"`
	Edited     bool   `json:"is_edited"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
}

// DeleteEvent is used for both deletion and expiry notifications
type DeleteEvent struct {
	ID         int64  `json:"id"`
	Payload    string `json:"message"`
	Deleted    bool   `json:"is_deleted"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
}

// StatusEvent announces a presence change
type StatusEvent struct {
	UserID   int64      `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// TypingEvent is forwarded to the peer only
type TypingEvent struct {
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

// AckEvent answers a send_message frame
type AckEvent struct {
	Success   bool   `json:"success"`
	MessageID int64  `json:"messageId,omitempty"`
	Status    State  `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

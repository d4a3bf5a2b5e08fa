package model

import "time"

// Kind is the payload type of a message
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindFile:
		return true
	}
	return false
}

// State is the delivery lifecycle state of a message.
// It only moves forward: sent -> delivered -> read.
type State string

const (
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
)

func (s State) rank() int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return 0
}

// Before reports whether s precedes other in the lifecycle
func (s State) Before(other State) bool {
	return s.rank() < other.rank()
}

// トゥームストーン文言
const (
	TombstoneDeleted = "This message was deleted"
	TombstoneExpired = "Message expired"
)

// Message represents a direct message between two users
type Message struct {
	ID           int64      `json:"id"`
	SenderID     int64      `json:"sender_id"`
	ReceiverID   int64      `json:"receiver_id"`
	Payload      string     `json:"message"`
	Kind         Kind       `json:"type"`
	State        State      `json:"status"`
	Deleted      bool       `json:"is_deleted"`
	Expired      bool       `json:"is_expired"`
	Edited       bool       `json:"is_edited"`
	Disappearing bool       `json:"is_disappearing"`
	ReplyToID    *int64     `json:"reply_to_id"`
	HiddenFor    []int64    `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`
}

// HiddenTo reports whether userID removed the message from their own view
func (m *Message) HiddenTo(userID int64) bool {
	for _, id := range m.HiddenFor {
		if id == userID {
			return true
		}
	}
	return false
}

// Participant reports whether userID is the sender or the receiver
func (m *Message) Participant(userID int64) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// ExpiryCandidate is a read, undeleted disappearing message whose timer
// has to be reconstructed from its persisted read time.
type ExpiryCandidate struct {
	MessageID int64
	ReadAt    time.Time
}

// ReadReceipt describes one message moved to read by a bulk read
type ReadReceipt struct {
	MessageID    int64
	Disappearing bool
	ReadAt       time.Time
}

// Presence is the observable online state of a user
type Presence struct {
	UserID   int64      `json:"user_id"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`
}

package entity

import "time"

type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

var statusRank = map[DeliveryStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func (s DeliveryStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Rank orders delivery statuses along the sending -> sent -> delivered -> read
// lifecycle. Unknown statuses rank below sending.
func (s DeliveryStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

type Message struct {
	ID             ID             `json:"id"`
	TempID         string         `json:"temp_id,omitempty"`
	ConversationID ID             `json:"conversation_id"`
	SenderType     Role           `json:"sender_type"`
	SenderID       ID             `json:"sender_id"`
	Content        string         `json:"content"`
	Status         DeliveryStatus `json:"status"`
	ProductID      ID             `json:"product_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`

	// Pending marks an optimistic local insert that the backend has not yet
	// confirmed; Failed is set when that confirmation is rejected.
	Pending bool `json:"-"`
	Failed  bool `json:"-"`
}

// AdvanceStatus applies a status transition if it moves forward in the
// delivery lifecycle. Regressions are dropped and reported false.
func (m *Message) AdvanceStatus(to DeliveryStatus) bool {
	if to.Rank() <= m.Status.Rank() {
		return false
	}
	m.Status = to
	return true
}

// SenderKey returns the sender's identity key ("{role}_{id}").
func (m *Message) SenderKey() string {
	return IdentityKey(m.SenderType, string(m.SenderID))
}

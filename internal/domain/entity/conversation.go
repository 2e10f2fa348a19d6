package entity

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// IdentityKey is the registry and presence key for one user of one role.
func IdentityKey(role Role, userID string) string {
	return fmt.Sprintf("%s_%s", role, userID)
}

type Participant struct {
	Role   Role `json:"role"`
	UserID ID   `json:"user_id"`
}

func (p Participant) Key() string {
	return IdentityKey(p.Role, string(p.UserID))
}

// MessageSummary is the last-message preview carried on a conversation. It is
// overwritten on every new message.
type MessageSummary struct {
	Content    string         `json:"content"`
	SenderType Role           `json:"sender_type"`
	SenderID   ID             `json:"sender_id"`
	Status     DeliveryStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

type Conversation struct {
	ID           ID              `json:"id"`
	Participants []Participant   `json:"participants"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
	ProductID    ID              `json:"product_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UnreadCount  int             `json:"unread_count,omitempty"`
}

// OtherParticipant returns the participant that is not the viewer.
func (c *Conversation) OtherParticipant(selfKey string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.Key() != selfKey {
			return p, true
		}
	}
	return Participant{}, false
}

func (c *Conversation) HasParticipant(key string) bool {
	for _, p := range c.Participants {
		if p.Key() == key {
			return true
		}
	}
	return false
}

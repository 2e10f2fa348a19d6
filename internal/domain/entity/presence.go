package entity

import "time"

// PresenceRecord is a user's transient online state. It lives only in the
// viewing client's memory and is never persisted.
type PresenceRecord struct {
	Role     Role      `json:"role"`
	UserID   ID        `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

func (p PresenceRecord) Key() string {
	return IdentityKey(p.Role, string(p.UserID))
}

// TypingIndicator is an ephemeral typing signal scoped to one conversation.
// It expires client-side when no fresh signal arrives before ExpiresAt.
type TypingIndicator struct {
	Role           Role      `json:"role"`
	UserID         ID        `json:"user_id"`
	ConversationID ID        `json:"conversation_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (t TypingIndicator) Key() string {
	return IdentityKey(t.Role, string(t.UserID))
}

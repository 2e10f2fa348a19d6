package websocket

import (
	"encoding/json"
	"time"

	"bazarchat/internal/domain/entity"
)

// Channel names multiplexed over one duplex connection.
const (
	ChannelMessages = "messages"
	ChannelPresence = "presence"
)

// Client to server commands.
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandMessage     = "message"
	CommandHeartbeat   = "heartbeat"
)

// Server to client frame types.
const (
	FrameWelcome             = "welcome"
	FrameConfirmSubscription = "confirm_subscription"
	FrameRejectSubscription  = "reject_subscription"
	FrameEvent               = "event"

	// frameConnectionLost is synthesized locally when the read pump dies; it
	// never travels on the wire.
	frameConnectionLost = "connection_lost"
)

// Event type tags carried inside channel payloads.
const (
	EventNewMessage       = "new_message"
	EventOnlineStatus     = "online_status"
	EventTypingStatus     = "typing_status"
	EventMessageRead      = "message_read"
	EventMessageDelivered = "message_delivered"
)

type ClientFrame struct {
	Command string          `json:"command"`
	Channel string          `json:"channel,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

type ServerFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// eventHead peeks at an event's type tag without committing to a payload
// shape, keeping unknown event kinds forward compatible.
type eventHead struct {
	Type string `json:"type"`
}

type NewMessageEvent struct {
	Type           string         `json:"type"`
	ConversationID entity.ID      `json:"conversation_id"`
	Message        entity.Message `json:"message"`
}

// PresenceEvent is the union payload of the presence channel's event kinds:
// online_status, typing_status, message_read and message_delivered.
type PresenceEvent struct {
	Type           string                `json:"type"`
	ConversationID entity.ID             `json:"conversation_id,omitempty"`
	MessageID      entity.ID             `json:"message_id,omitempty"`
	UserType       entity.Role           `json:"user_type,omitempty"`
	UserID         entity.ID             `json:"user_id,omitempty"`
	Online         bool                  `json:"online,omitempty"`
	Typing         bool                  `json:"typing,omitempty"`
	Status         entity.DeliveryStatus `json:"status,omitempty"`
	Timestamp      time.Time             `json:"timestamp,omitempty"`
}

func marshalEvent(v interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

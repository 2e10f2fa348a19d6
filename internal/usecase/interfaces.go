package usecase

import (
	"context"

	"bazarchat/internal/domain/entity"
)

// BackendClient is the REST surface the messaging core consumes. The server
// is the durable source of truth; everything here is pull-based.
type BackendClient interface {
	ListConversations(ctx context.Context) ([]entity.Conversation, error)
	ListMessages(ctx context.Context, conversationID entity.ID) ([]entity.Message, error)
	CreateMessage(ctx context.Context, conversationID entity.ID, content string, productID entity.ID) (*entity.Message, error)
	MarkMessageStatus(ctx context.Context, conversationID, messageID entity.ID, status entity.DeliveryStatus) error
	UnreadCounts(ctx context.Context) (map[entity.ID]int, error)
	OnlineStatus(ctx context.Context, participantIDs []string) (map[string]bool, error)
}

// MessageSender is the low-latency push path for outgoing messages.
// Implementations are fire-and-forget; durability is the REST call's job.
type MessageSender interface {
	Send(conversationID entity.ID, content string, senderRole entity.Role, senderID string)
}

// TypingPublisher broadcasts typing transitions for the viewer.
type TypingPublisher interface {
	SendTypingStart(conversationID entity.ID)
	SendTypingStop(conversationID entity.ID)
}

// StatusPublisher pushes delivered/read receipts over the socket, reporting
// whether the publish went out.
type StatusPublisher interface {
	PublishStatus(conversationID, messageID entity.ID, status entity.DeliveryStatus) bool
}

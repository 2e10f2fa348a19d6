package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"bazarchat/internal/domain/entity"
	"bazarchat/internal/infrastructure/ratelimit"
	ws "bazarchat/internal/infrastructure/websocket"
	apperrors "bazarchat/pkg/errors"
	"bazarchat/pkg/logger"
)

// duplicateWindow is how long a REST create after an identical channel
// publish is treated as the same logical message.
const duplicateWindow = 5 * time.Second

type subscriber struct {
	identity entity.Participant
	channels map[string]bool

	sendMu sync.Mutex
	closed bool
	send   chan ws.ServerFrame
}

// deliver enqueues a frame without blocking; frames for a closed or
// congested subscriber are dropped.
func (s *subscriber) deliver(frame ws.ServerFrame) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *subscriber) shutdown() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Hub is the devserver's in-memory world: conversations, messages, unread
// counters, and the per-identity subscriber registry used for fan-out.
type Hub struct {
	mu            sync.RWMutex
	conversations map[entity.ID]*entity.Conversation
	messages      map[entity.ID][]entity.Message
	unread        map[entity.ID]map[string]int
	subscribers   map[string]*subscriber
	limiter       *ratelimit.RateLimiter
}

func NewHub() *Hub {
	return &Hub{
		conversations: make(map[entity.ID]*entity.Conversation),
		messages:      make(map[entity.ID][]entity.Message),
		unread:        make(map[entity.ID]map[string]int),
		subscribers:   make(map[string]*subscriber),
		limiter:       ratelimit.NewRateLimiter(),
	}
}

// SeedConversation creates a conversation between two participants.
func (h *Hub) SeedConversation(a, b entity.Participant, productID entity.ID) *entity.Conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	conversation := &entity.Conversation{
		ID:           entity.ID(uuid.NewString()),
		Participants: []entity.Participant{a, b},
		ProductID:    productID,
		CreatedAt:    time.Now(),
	}
	h.conversations[conversation.ID] = conversation
	h.unread[conversation.ID] = make(map[string]int)
	return conversation
}

func (h *Hub) ConversationsFor(identityKey string) []entity.Conversation {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []entity.Conversation
	for _, conversation := range h.conversations {
		if !conversation.HasParticipant(identityKey) {
			continue
		}
		c := *conversation
		c.UnreadCount = h.unread[c.ID][identityKey]
		result = append(result, c)
	}
	return result
}

func (h *Hub) MessagesFor(identityKey string, conversationID entity.ID, limit, offset int) ([]entity.Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conversation, ok := h.conversations[conversationID]
	if !ok {
		return nil, apperrors.NotFound("Conversation", nil)
	}
	if !conversation.HasParticipant(identityKey) {
		return nil, apperrors.Forbidden("You are not a participant of this conversation", nil)
	}

	list := h.messages[conversationID]
	if offset >= len(list) {
		return []entity.Message{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(list) {
		end = len(list)
	}

	result := make([]entity.Message, end-offset)
	copy(result, list[offset:end])
	return result, nil
}

// CreateMessage persists one message and fans it out to every participant's
// subscribers. A create that repeats the sender's latest message within the
// duplicate window returns the existing record, so the client's dual-path
// send (channel publish plus REST POST) yields one authoritative message.
func (h *Hub) CreateMessage(sender entity.Participant, conversationID entity.ID, content string, productID entity.ID) (*entity.Message, error) {
	if content == "" {
		return nil, apperrors.BadRequest("Message content is required", nil)
	}

	senderKey := sender.Key()
	if allowed, wait := h.limiter.Allow(senderKey, "send_message"); !allowed {
		logger.Warn("Hub: send_message rate limited for %s (wait %s)", senderKey, wait)
		return nil, apperrors.TooManyRequests("Rate limit exceeded. Please wait before sending another message")
	}

	h.mu.Lock()
	conversation, ok := h.conversations[conversationID]
	if !ok {
		h.mu.Unlock()
		return nil, apperrors.NotFound("Conversation", nil)
	}
	if !conversation.HasParticipant(senderKey) {
		h.mu.Unlock()
		return nil, apperrors.Forbidden("You are not a participant of this conversation", nil)
	}

	if existing := h.duplicateOfLocked(conversationID, senderKey, content); existing != nil {
		message := *existing
		h.mu.Unlock()
		return &message, nil
	}

	status := entity.StatusSent
	other, _ := conversation.OtherParticipant(senderKey)
	if h.subscriberOnlineLocked(other.Key()) {
		status = entity.StatusDelivered
	}

	message := entity.Message{
		ID:             entity.ID(uuid.NewString()),
		ConversationID: conversationID,
		SenderType:     sender.Role,
		SenderID:       sender.UserID,
		Content:        content,
		Status:         status,
		ProductID:      productID,
		CreatedAt:      time.Now(),
	}
	h.messages[conversationID] = append(h.messages[conversationID], message)

	conversation.LastMessage = &entity.MessageSummary{
		Content:    message.Content,
		SenderType: message.SenderType,
		SenderID:   message.SenderID,
		Status:     message.Status,
		CreatedAt:  message.CreatedAt,
	}
	if h.unread[conversationID] == nil {
		h.unread[conversationID] = make(map[string]int)
	}
	h.unread[conversationID][other.Key()]++

	participants := conversation.Participants
	h.mu.Unlock()

	h.broadcastEvent(participants, ws.ChannelMessages, ws.NewMessageEvent{
		Type:           ws.EventNewMessage,
		ConversationID: conversationID,
		Message:        message,
	})
	return &message, nil
}

// MarkStatus applies a delivered/read transition on behalf of the marker and
// fans the receipt out to both participants.
func (h *Hub) MarkStatus(marker entity.Participant, conversationID, messageID entity.ID, status entity.DeliveryStatus) error {
	if status != entity.StatusRead && status != entity.StatusDelivered {
		return apperrors.BadRequest("Unsupported status transition", nil)
	}

	markerKey := marker.Key()

	h.mu.Lock()
	conversation, ok := h.conversations[conversationID]
	if !ok {
		h.mu.Unlock()
		return apperrors.NotFound("Conversation", nil)
	}
	if !conversation.HasParticipant(markerKey) {
		h.mu.Unlock()
		return apperrors.Forbidden("You are not a participant of this conversation", nil)
	}

	list := h.messages[conversationID]
	found := false
	for i := range list {
		if list[i].ID != messageID {
			continue
		}
		found = true
		list[i].AdvanceStatus(status)
		if conversation.LastMessage != nil && conversation.LastMessage.CreatedAt.Equal(list[i].CreatedAt) {
			conversation.LastMessage.Status = list[i].Status
		}
		break
	}
	if !found {
		h.mu.Unlock()
		return apperrors.NotFound("Message", nil)
	}

	if status == entity.StatusRead {
		remaining := 0
		for i := range list {
			if entity.IdentityKey(list[i].SenderType, string(list[i].SenderID)) != markerKey && list[i].Status != entity.StatusRead {
				remaining++
			}
		}
		if h.unread[conversationID] == nil {
			h.unread[conversationID] = make(map[string]int)
		}
		h.unread[conversationID][markerKey] = remaining
	}

	participants := conversation.Participants
	h.mu.Unlock()

	eventType := ws.EventMessageDelivered
	if status == entity.StatusRead {
		eventType = ws.EventMessageRead
	}
	h.broadcastEvent(participants, ws.ChannelPresence, ws.PresenceEvent{
		Type:           eventType,
		ConversationID: conversationID,
		MessageID:      messageID,
		UserType:       marker.Role,
		UserID:         marker.UserID,
		Status:         status,
	})
	return nil
}

func (h *Hub) UnreadCounts(identityKey string) map[entity.ID]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	counts := make(map[entity.ID]int)
	for conversationID, perIdentity := range h.unread {
		if count := perIdentity[identityKey]; count > 0 {
			counts[conversationID] = count
		}
	}
	return counts
}

func (h *Hub) OnlineStatus(identityKeys []string) map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	online := make(map[string]bool, len(identityKeys))
	for _, key := range identityKeys {
		online[key] = h.subscriberOnlineLocked(key)
	}
	return online
}

// RelayTyping forwards a typing signal to the conversation's other
// participant.
func (h *Hub) RelayTyping(sender entity.Participant, conversationID entity.ID, typing bool) {
	senderKey := sender.Key()
	if allowed, _ := h.limiter.Allow(senderKey, "typing"); !allowed {
		return
	}

	h.mu.RLock()
	conversation, ok := h.conversations[conversationID]
	var peers []entity.Participant
	if ok && conversation.HasParticipant(senderKey) {
		for _, participant := range conversation.Participants {
			if participant.Key() != senderKey {
				peers = append(peers, participant)
			}
		}
	}
	h.mu.RUnlock()

	h.broadcastEvent(peers, ws.ChannelPresence, ws.PresenceEvent{
		Type:           ws.EventTypingStatus,
		ConversationID: conversationID,
		UserType:       sender.Role,
		UserID:         sender.UserID,
		Typing:         typing,
	})
}

func (h *Hub) register(sub *subscriber) {
	key := sub.identity.Key()

	h.mu.Lock()
	previous := h.subscribers[key]
	h.subscribers[key] = sub
	h.mu.Unlock()

	if previous != nil {
		previous.shutdown()
	}

	logger.Debug("Hub: subscriber registered for %s", key)
}

// setChannel flips a subscription flag under the hub lock, since fan-out
// reads the channel set concurrently.
func (h *Hub) setChannel(sub *subscriber, channel string, subscribed bool) {
	h.mu.Lock()
	if subscribed {
		sub.channels[channel] = true
	} else {
		delete(sub.channels, channel)
	}
	h.mu.Unlock()
}

func (h *Hub) unregister(sub *subscriber) {
	key := sub.identity.Key()

	h.mu.Lock()
	if current, ok := h.subscribers[key]; ok && current == sub {
		delete(h.subscribers, key)
	}
	h.mu.Unlock()
	sub.shutdown()

	h.broadcastPresence(sub.identity, false)
	logger.Debug("Hub: subscriber unregistered for %s", key)
}

// broadcastPresence tells everyone sharing a conversation with the identity
// about its online transition.
func (h *Hub) broadcastPresence(identity entity.Participant, online bool) {
	identityKey := identity.Key()

	h.mu.RLock()
	seen := map[string]bool{}
	var peers []entity.Participant
	for _, conversation := range h.conversations {
		if !conversation.HasParticipant(identityKey) {
			continue
		}
		for _, participant := range conversation.Participants {
			key := participant.Key()
			if key == identityKey || seen[key] {
				continue
			}
			seen[key] = true
			peers = append(peers, participant)
		}
	}
	h.mu.RUnlock()

	h.broadcastEvent(peers, ws.ChannelPresence, ws.PresenceEvent{
		Type:     ws.EventOnlineStatus,
		UserType: identity.Role,
		UserID:   identity.UserID,
		Online:   online,
	})
}

func (h *Hub) broadcastEvent(recipients []entity.Participant, channel string, event interface{}) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Error("Hub: failed to encode %s event: %v", channel, err)
		return
	}
	frame := ws.ServerFrame{Type: ws.FrameEvent, Channel: channel, Event: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, recipient := range recipients {
		sub, ok := h.subscribers[recipient.Key()]
		if !ok || !sub.channels[channel] {
			continue
		}
		if !sub.deliver(frame) {
			logger.Warn("Hub: %s frame for %s dropped", channel, recipient.Key())
		}
	}
}

func (h *Hub) subscriberOnlineLocked(identityKey string) bool {
	sub, ok := h.subscribers[identityKey]
	return ok && sub.channels[ws.ChannelPresence]
}

func (h *Hub) duplicateOfLocked(conversationID entity.ID, senderKey, content string) *entity.Message {
	list := h.messages[conversationID]
	if len(list) == 0 {
		return nil
	}
	last := &list[len(list)-1]
	if entity.IdentityKey(last.SenderType, string(last.SenderID)) != senderKey {
		return nil
	}
	if last.Content != content || time.Since(last.CreatedAt) > duplicateWindow {
		return nil
	}
	return last
}

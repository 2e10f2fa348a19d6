package usecase

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"bazarchat/internal/domain/entity"
)

const defaultTypingExpiry = 3 * time.Second

// ConversationStore reconciles three independent sources into one consistent
// view per conversation: REST-fetched history, live channel pushes, and
// locally originated optimistic sends. Deduplication is by message id,
// ordering is by creation timestamp with insertion via binary search.
type ConversationStore struct {
	mu      sync.Mutex
	selfKey string

	conversations map[entity.ID]*entity.Conversation
	messages      map[entity.ID][]entity.Message
	seen          map[entity.ID]map[entity.ID]struct{}
	pending       map[string]entity.ID
	unread        map[entity.ID]int
	activeID      entity.ID
	generation    map[entity.ID]uint64

	presence geche.Geche[string, entity.PresenceRecord]
	typing   map[string]entity.TypingIndicator

	typingExpiry time.Duration
	now          func() time.Time
}

func NewConversationStore(selfKey string) *ConversationStore {
	return &ConversationStore{
		selfKey:       selfKey,
		conversations: make(map[entity.ID]*entity.Conversation),
		messages:      make(map[entity.ID][]entity.Message),
		seen:          make(map[entity.ID]map[entity.ID]struct{}),
		pending:       make(map[string]entity.ID),
		unread:        make(map[entity.ID]int),
		generation:    make(map[entity.ID]uint64),
		presence:      geche.NewMapCache[string, entity.PresenceRecord](),
		typing:        make(map[string]entity.TypingIndicator),
		typingExpiry:  defaultTypingExpiry,
		now:           time.Now,
	}
}

// SetConversations replaces the conversation list from a REST fetch. Unread
// counters carried on the payload are adopted; a conversation the payload
// reports as fully read has any stale live-derived counter cleared.
func (s *ConversationStore) SetConversations(conversations []entity.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[entity.ID]*entity.Conversation, len(conversations))
	for i := range conversations {
		conversation := conversations[i]
		fresh[conversation.ID] = &conversation
		if conversation.UnreadCount > 0 {
			s.unread[conversation.ID] = conversation.UnreadCount
		} else {
			delete(s.unread, conversation.ID)
		}
	}
	s.conversations = fresh
}

func (s *ConversationStore) UpsertConversation(conversation entity.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversation.ID] = &conversation
}

// Conversations returns the list ordered by most recent activity.
func (s *ConversationStore) Conversations() []entity.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]entity.Conversation, 0, len(s.conversations))
	for _, conversation := range s.conversations {
		c := *conversation
		c.UnreadCount = s.unread[c.ID]
		result = append(result, c)
	}

	sort.Slice(result, func(i, j int) bool {
		return lastActivity(result[i]).After(lastActivity(result[j]))
	})
	return result
}

func lastActivity(c entity.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

func (s *ConversationStore) Conversation(id entity.ID) (entity.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.conversations[id]
	if !ok {
		return entity.Conversation{}, false
	}
	c := *conversation
	c.UnreadCount = s.unread[id]
	return c, true
}

func (s *ConversationStore) SetActive(id entity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = id
}

func (s *ConversationStore) ActiveID() entity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// BeginHistoryLoad marks the start of a history fetch and returns its
// generation. A fetch result is only applied while its generation is still
// current, so slow responses cannot clobber a newer view.
func (s *ConversationStore) BeginHistoryLoad(conversationID entity.ID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation[conversationID]++
	return s.generation[conversationID]
}

// CompleteHistoryLoad merges a fetched history if the generation still
// matches. It reports whether the result was applied.
func (s *ConversationStore) CompleteHistoryLoad(conversationID entity.ID, generation uint64, messages []entity.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation[conversationID] != generation {
		return false
	}
	for i := range messages {
		s.insertLocked(messages[i])
	}
	return true
}

// InsertMessage merges one inbound message. Duplicates (same id already
// present) are dropped. The conversation summary is refreshed and the unread
// counter incremented when the message targets a non-active conversation and
// was not authored by the viewer.
func (s *ConversationStore) InsertMessage(message entity.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.insertLocked(message) {
		return false
	}

	s.refreshSummaryLocked(message)
	if message.ConversationID != s.activeID && message.SenderKey() != s.selfKey {
		s.unread[message.ConversationID]++
	}
	return true
}

// InsertPending records an optimistic local send before the backend has
// confirmed it.
func (s *ConversationStore) InsertPending(message entity.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[message.TempID] = message.ConversationID
	s.insertLocked(message)
	s.refreshSummaryLocked(message)
}

// ResolvePending replaces an optimistic entry with the authoritative record
// returned by the backend. If the live push already delivered the
// authoritative id, the temp entry is simply removed.
func (s *ConversationStore) ResolvePending(tempID string, authoritative entity.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, ok := s.pending[tempID]
	if !ok {
		return
	}
	delete(s.pending, tempID)

	s.removeByTempLocked(conversationID, tempID)
	authoritative.TempID = tempID
	s.insertLocked(authoritative)
	s.refreshSummaryLocked(authoritative)
}

// FailPending marks an optimistic entry whose REST persistence was rejected.
// The message stays visible, flagged failed, instead of ghosting as sent.
func (s *ConversationStore) FailPending(tempID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversationID, ok := s.pending[tempID]
	if !ok {
		return
	}
	delete(s.pending, tempID)

	list := s.messages[conversationID]
	for i := range list {
		if list[i].TempID == tempID {
			list[i].Pending = false
			list[i].Failed = true
			return
		}
	}
}

// UpdateMessageStatus applies a delivery-status transition. Regressions are
// dropped (status is monotonic per message). Clearing of the active
// conversation's unread counter happens when nothing unread remains.
func (s *ConversationStore) UpdateMessageStatus(conversationID, messageID entity.ID, status entity.DeliveryStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	advanced := false
	for i := range list {
		if list[i].ID != messageID {
			continue
		}
		advanced = list[i].AdvanceStatus(status)
		if advanced {
			if conversation, ok := s.conversations[conversationID]; ok && conversation.LastMessage != nil {
				if conversation.LastMessage.CreatedAt.Equal(list[i].CreatedAt) && conversation.LastMessage.SenderID == list[i].SenderID {
					conversation.LastMessage.Status = list[i].Status
				}
			}
		}
		break
	}

	if advanced {
		s.maybeClearUnreadLocked(conversationID)
	}
	return advanced
}

func (s *ConversationStore) MessagesFor(conversationID entity.ID) []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	result := make([]entity.Message, len(list))
	copy(result, list)
	return result
}

func (s *ConversationStore) UnreadCount(conversationID entity.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[conversationID]
}

func (s *ConversationStore) SetUnreadCounts(counts map[entity.ID]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conversationID, count := range counts {
		s.unread[conversationID] = count
	}
}

// SetPresence applies an online/offline transition. Presence is ephemeral:
// offline removes the record rather than keeping a tombstone.
func (s *ConversationStore) SetPresence(record entity.PresenceRecord) {
	if record.Online {
		s.presence.Set(record.Key(), record)
		return
	}
	s.presence.Del(record.Key())
}

// ApplyBulkPresence merges the initial presence query's result.
func (s *ConversationStore) ApplyBulkPresence(online map[string]bool) {
	for key, isOnline := range online {
		role, userID := splitIdentityKey(key)
		s.SetPresence(entity.PresenceRecord{
			Role:     role,
			UserID:   entity.ID(userID),
			Online:   isOnline,
			LastSeen: s.now(),
		})
	}
}

func (s *ConversationStore) IsOnline(key string) bool {
	_, err := s.presence.Get(key)
	return err == nil
}

func (s *ConversationStore) OnlineUsers() []string {
	snapshot := s.presence.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// SetTyping applies a typing transition. A start signal auto-expires after
// the typing window when no explicit stop arrives.
func (s *ConversationStore) SetTyping(indicator entity.TypingIndicator, typing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(indicator.ConversationID) + "|" + indicator.Key()
	if !typing {
		delete(s.typing, key)
		return
	}
	indicator.ExpiresAt = s.now().Add(s.typingExpiry)
	s.typing[key] = indicator
}

// TypingIn lists who is currently typing in a conversation, dropping expired
// indicators as it goes.
func (s *ConversationStore) TypingIn(conversationID entity.ID) []entity.TypingIndicator {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var result []entity.TypingIndicator
	for key, indicator := range s.typing {
		if !indicator.ExpiresAt.After(now) {
			delete(s.typing, key)
			continue
		}
		if indicator.ConversationID == conversationID {
			result = append(result, indicator)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result
}

func (s *ConversationStore) insertLocked(message entity.Message) bool {
	conversationID := message.ConversationID

	if message.ID != "" {
		ids, ok := s.seen[conversationID]
		if !ok {
			ids = make(map[entity.ID]struct{})
			s.seen[conversationID] = ids
		}
		if _, dup := ids[message.ID]; dup {
			return false
		}
		ids[message.ID] = struct{}{}
	}

	list := s.messages[conversationID]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(message.CreatedAt)
	})
	list = append(list, entity.Message{})
	copy(list[idx+1:], list[idx:])
	list[idx] = message
	s.messages[conversationID] = list
	return true
}

func (s *ConversationStore) removeByTempLocked(conversationID entity.ID, tempID string) {
	list := s.messages[conversationID]
	for i := range list {
		if list[i].TempID == tempID && list[i].Pending {
			s.messages[conversationID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (s *ConversationStore) refreshSummaryLocked(message entity.Message) {
	conversation, ok := s.conversations[message.ConversationID]
	if !ok {
		return
	}
	if conversation.LastMessage != nil && conversation.LastMessage.CreatedAt.After(message.CreatedAt) {
		return
	}
	conversation.LastMessage = &entity.MessageSummary{
		Content:    message.Content,
		SenderType: message.SenderType,
		SenderID:   message.SenderID,
		Status:     message.Status,
		CreatedAt:  message.CreatedAt,
	}
}

func (s *ConversationStore) maybeClearUnreadLocked(conversationID entity.ID) {
	if conversationID != s.activeID {
		return
	}
	for _, message := range s.messages[conversationID] {
		if message.SenderKey() == s.selfKey {
			continue
		}
		if message.Status != entity.StatusRead {
			return
		}
	}
	s.unread[conversationID] = 0
}

func splitIdentityKey(key string) (entity.Role, string) {
	parts := strings.SplitN(key, "_", 2)
	if len(parts) != 2 {
		return "", key
	}
	return entity.Role(parts[0]), parts[1]
}

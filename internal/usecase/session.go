package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"bazarchat/internal/domain/entity"
	"bazarchat/internal/infrastructure/reconnect"
	ws "bazarchat/internal/infrastructure/websocket"
	"bazarchat/pkg/logger"
)

const (
	defaultReadDwell  = time.Second
	defaultTypingIdle = 3 * time.Second
)

var ErrAlreadyMounted = errors.New("session already mounted")

type SessionOptions struct {
	Role              entity.Role
	UserID            string
	Endpoint          string
	Token             string
	Policy            reconnect.Policy
	HeartbeatInterval time.Duration
	ReadDwell         time.Duration
	TypingIdle        time.Duration
}

type sendMessageInput struct {
	Content string `validate:"required,max=4000"`
}

// Session is the view-facing facade over the messaging core: it owns the
// channel bindings for one mounted view, feeds the conversation store from
// both the REST and socket paths, and runs the receipt and typing timers.
type Session struct {
	registry   *ws.Registry
	backend    BackendClient
	store      *ConversationStore
	statusSync *StatusSync
	opts       SessionOptions
	validate   *validator.Validate

	mu           sync.Mutex
	mounted      bool
	cancel       context.CancelFunc
	msgChannel   *ws.MessageChannel
	presChannel  *ws.PresenceChannel
	sender       MessageSender
	typingPub    TypingPublisher
	typingTimer  *time.Timer
	typingActive bool
	typingConv   entity.ID
	readTimers   map[entity.ID]*time.Timer

	// OnChange, when set, fires after any store mutation so a UI can
	// re-render. OnStatus reports channel state transitions.
	OnChange func()
	OnStatus func(channel string, status ws.Status)
}

func NewSession(registry *ws.Registry, backend BackendClient, opts SessionOptions) *Session {
	if opts.ReadDwell <= 0 {
		opts.ReadDwell = defaultReadDwell
	}
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = defaultTypingIdle
	}
	if opts.Policy == (reconnect.Policy{}) {
		opts.Policy = reconnect.DefaultPolicy()
	}

	return &Session{
		registry:   registry,
		backend:    backend,
		store:      NewConversationStore(entity.IdentityKey(opts.Role, opts.UserID)),
		statusSync: NewStatusSync(backend),
		opts:       opts,
		validate:   validator.New(),
		readTimers: make(map[entity.ID]*time.Timer),
	}
}

func (s *Session) Store() *ConversationStore {
	return s.store
}

// Mount acquires the shared connection, binds both channels, and performs
// the initial REST fetches. Fetch failures are logged and leave the view
// stale rather than failing the mount.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return ErrAlreadyMounted
	}
	s.mounted = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	conn := s.registry.Acquire(s.opts.Role, s.opts.UserID, s.opts.Endpoint, s.opts.Token)

	s.msgChannel = ws.NewMessageChannel(ws.MessageChannelConfig{
		Conn:      conn,
		Policy:    s.opts.Policy,
		OnMessage: s.handleNewMessage,
		OnStatus:  func(status ws.Status) { s.notifyStatus(ws.ChannelMessages, status) },
	})
	s.presChannel = ws.NewPresenceChannel(ws.PresenceChannelConfig{
		Conn:              conn,
		Token:             s.opts.Token,
		Role:              s.opts.Role,
		UserID:            s.opts.UserID,
		Policy:            s.opts.Policy,
		HeartbeatInterval: s.opts.HeartbeatInterval,
		OnEvent:           s.handlePresenceEvent,
		OnStatus:          func(status ws.Status) { s.notifyStatus(ws.ChannelPresence, status) },
	})
	s.sender = s.msgChannel
	s.typingPub = s.presChannel
	s.statusSync.SetPublisher(s.presChannel)
	s.mu.Unlock()

	s.msgChannel.Open(ctx)
	s.presChannel.Open(ctx)

	s.Refresh(ctx)
	return nil
}

// Refresh re-pulls the conversation list, unread counters, and the bulk
// presence snapshot.
func (s *Session) Refresh(ctx context.Context) {
	conversations, err := s.backend.ListConversations(ctx)
	if err != nil {
		logger.Warn("Session: conversation fetch failed, view stays stale: %v", err)
	} else {
		s.store.SetConversations(conversations)
	}

	counts, err := s.backend.UnreadCounts(ctx)
	if err != nil {
		logger.Warn("Session: unread count fetch failed: %v", err)
	} else {
		s.store.SetUnreadCounts(counts)
	}

	selfKey := entity.IdentityKey(s.opts.Role, s.opts.UserID)
	var participantKeys []string
	seen := map[string]bool{}
	for _, conversation := range s.store.Conversations() {
		for _, participant := range conversation.Participants {
			key := participant.Key()
			if key == selfKey || seen[key] {
				continue
			}
			seen[key] = true
			participantKeys = append(participantKeys, key)
		}
	}
	if len(participantKeys) > 0 {
		online, err := s.backend.OnlineStatus(ctx, participantKeys)
		if err != nil {
			logger.Warn("Session: bulk presence query failed: %v", err)
		} else {
			s.store.ApplyBulkPresence(online)
		}
	}

	s.emitChange()
}

// OpenConversation activates a conversation and loads its history. A result
// arriving after a newer open for the same conversation is discarded via the
// store's generation counter.
func (s *Session) OpenConversation(ctx context.Context, conversationID entity.ID) error {
	s.store.SetActive(conversationID)

	generation := s.store.BeginHistoryLoad(conversationID)
	messages, err := s.backend.ListMessages(ctx, conversationID)
	if err != nil {
		logger.Warn("Session: history fetch for conversation %s failed: %v", conversationID, err)
		return err
	}
	if !s.store.CompleteHistoryLoad(conversationID, generation, messages) {
		logger.Debug("Session: stale history result for conversation %s discarded", conversationID)
		return nil
	}

	s.scheduleReceipts(conversationID)
	s.emitChange()
	return nil
}

// SendMessage performs the dual-path send: optimistic local insert, a
// fire-and-forget socket publish, and the durable REST POST. A REST
// rejection marks the optimistic entry failed instead of leaving a ghost.
func (s *Session) SendMessage(ctx context.Context, conversationID entity.ID, content string) (*entity.Message, error) {
	if err := s.validate.Struct(sendMessageInput{Content: content}); err != nil {
		return nil, err
	}

	tempID := uuid.NewString()
	local := entity.Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderType:     s.opts.Role,
		SenderID:       entity.ID(s.opts.UserID),
		Content:        content,
		Status:         entity.StatusSending,
		CreatedAt:      time.Now(),
		Pending:        true,
	}
	s.store.InsertPending(local)
	s.emitChange()

	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender != nil {
		sender.Send(conversationID, content, s.opts.Role, s.opts.UserID)
	}

	created, err := s.backend.CreateMessage(ctx, conversationID, content, "")
	if err != nil {
		s.store.FailPending(tempID)
		s.emitChange()
		return nil, err
	}

	s.store.ResolvePending(tempID, *created)
	s.emitChange()
	created.TempID = tempID
	return created, nil
}

// NotifyTyping reports viewer keystrokes. The first call broadcasts a start
// signal; a stop goes out automatically after the idle window with no
// further calls.
func (s *Session) NotifyTyping(conversationID entity.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.typingPub == nil {
		return
	}

	if s.typingActive && s.typingConv != conversationID {
		s.typingPub.SendTypingStop(s.typingConv)
		s.typingActive = false
	}

	if !s.typingActive {
		s.typingPub.SendTypingStart(conversationID)
		s.typingActive = true
		s.typingConv = conversationID
	}

	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.opts.TypingIdle, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.typingActive {
			return
		}
		s.typingActive = false
		if s.typingPub != nil {
			s.typingPub.SendTypingStop(s.typingConv)
		}
	})
}

// Unmount tears the session down: timers cancelled, channels closed, and the
// shared connection released behind the registry's grace delay.
func (s *Session) Unmount() {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return
	}
	s.mounted = false

	if s.cancel != nil {
		s.cancel()
	}
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingActive = false
	for conversationID, timer := range s.readTimers {
		timer.Stop()
		delete(s.readTimers, conversationID)
	}
	msgChannel := s.msgChannel
	presChannel := s.presChannel
	s.sender = nil
	s.typingPub = nil
	s.mu.Unlock()

	s.statusSync.SetPublisher(nil)
	s.statusSync.Stop()
	if msgChannel != nil {
		msgChannel.Close()
	}
	if presChannel != nil {
		presChannel.Close()
	}
	s.registry.Release(s.opts.Role, s.opts.UserID)
}

func (s *Session) handleNewMessage(event ws.NewMessageEvent) {
	message := event.Message
	if message.ConversationID == "" {
		message.ConversationID = event.ConversationID
	}

	if !s.store.InsertMessage(message) {
		return
	}

	if message.SenderKey() != s.store.selfKey && message.ConversationID == s.store.ActiveID() {
		s.scheduleReceipts(message.ConversationID)
	}
	s.emitChange()
}

func (s *Session) handlePresenceEvent(event ws.PresenceEvent) {
	switch event.Type {
	case ws.EventOnlineStatus:
		s.store.SetPresence(entity.PresenceRecord{
			Role:     event.UserType,
			UserID:   event.UserID,
			Online:   event.Online,
			LastSeen: time.Now(),
		})

	case ws.EventTypingStatus:
		indicator := entity.TypingIndicator{
			Role:           event.UserType,
			UserID:         event.UserID,
			ConversationID: event.ConversationID,
		}
		if indicator.Key() == s.store.selfKey {
			return // own echo
		}
		s.store.SetTyping(indicator, event.Typing)

	case ws.EventMessageRead:
		s.statusSync.Ack(event.MessageID, entity.StatusRead)
		s.store.UpdateMessageStatus(event.ConversationID, event.MessageID, entity.StatusRead)

	case ws.EventMessageDelivered:
		s.statusSync.Ack(event.MessageID, entity.StatusDelivered)
		s.store.UpdateMessageStatus(event.ConversationID, event.MessageID, entity.StatusDelivered)
	}

	s.emitChange()
}

// scheduleReceipts marks inbound messages delivered immediately and read
// after the dwell, provided the conversation is still active when the dwell
// elapses. The StatusSync idempotency set keeps re-renders from re-firing
// either transition. Marks run off the caller's goroutine; a slow REST
// fallback must not stall socket frame dispatch.
func (s *Session) scheduleReceipts(conversationID entity.ID) {
	go s.markDelivered(conversationID)

	s.mu.Lock()
	if timer, ok := s.readTimers[conversationID]; ok {
		timer.Stop()
	}
	s.readTimers[conversationID] = time.AfterFunc(s.opts.ReadDwell, func() {
		if s.store.ActiveID() != conversationID {
			return
		}
		for _, message := range s.store.MessagesFor(conversationID) {
			if message.SenderKey() == s.store.selfKey || message.ID == "" {
				continue
			}
			if message.Status.Rank() < entity.StatusRead.Rank() {
				s.markStatus(conversationID, message.ID, entity.StatusRead)
			}
		}
		s.emitChange()
	})
	s.mu.Unlock()
}

func (s *Session) markDelivered(conversationID entity.ID) {
	for _, message := range s.store.MessagesFor(conversationID) {
		if message.SenderKey() == s.store.selfKey || message.ID == "" {
			continue
		}
		if message.Status.Rank() < entity.StatusDelivered.Rank() {
			s.markStatus(conversationID, message.ID, entity.StatusDelivered)
		}
	}
	s.emitChange()
}

func (s *Session) markStatus(conversationID, messageID entity.ID, status entity.DeliveryStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.statusSync.Mark(ctx, conversationID, messageID, status); err != nil {
		logger.Warn("Session: %s receipt for message %s failed: %v", status, messageID, err)
		return
	}
	s.store.UpdateMessageStatus(conversationID, messageID, status)
}

func (s *Session) notifyStatus(channel string, status ws.Status) {
	if s.OnStatus != nil {
		s.OnStatus(channel, status)
	}
	logger.Debug("Session: %s channel is %s", channel, status)
}

func (s *Session) emitChange() {
	if s.OnChange != nil {
		s.OnChange()
	}
}

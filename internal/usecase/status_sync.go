package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"bazarchat/internal/domain/entity"
	"bazarchat/pkg/logger"
)

const defaultAckTimeout = 5 * time.Second

// StatusSync carries delivered/read receipts as one idempotent command
// regardless of transport: socket-preferred for latency, REST fallback for
// durability. A per-mount idempotency set stops the same transition from
// being sent twice, and socket publishes that never get acknowledged are
// replayed over REST.
type StatusSync struct {
	fallback BackendClient

	mu          sync.Mutex
	publisher   StatusPublisher
	sent        geche.Geche[string, time.Time]
	pendingAcks map[string]*time.Timer
	ackTimeout  time.Duration
	now         func() time.Time
}

func NewStatusSync(fallback BackendClient) *StatusSync {
	return &StatusSync{
		fallback:    fallback,
		sent:        geche.NewMapCache[string, time.Time](),
		pendingAcks: make(map[string]*time.Timer),
		ackTimeout:  defaultAckTimeout,
		now:         time.Now,
	}
}

// SetPublisher installs (or clears) the socket path.
func (s *StatusSync) SetPublisher(publisher StatusPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = publisher
}

// Mark sends one status transition for one message. Repeat calls for the
// same (message, status) pair within a mount are no-ops.
func (s *StatusSync) Mark(ctx context.Context, conversationID, messageID entity.ID, status entity.DeliveryStatus) error {
	key := markKey(messageID, status)

	s.mu.Lock()
	if _, err := s.sent.Get(key); err == nil {
		s.mu.Unlock()
		return nil
	}
	s.sent.Set(key, s.now())
	publisher := s.publisher
	s.mu.Unlock()

	if publisher != nil && publisher.PublishStatus(conversationID, messageID, status) {
		s.trackAck(conversationID, messageID, status, key)
		return nil
	}

	// Socket path unavailable: go straight to the durable transport.
	if err := s.fallback.MarkMessageStatus(ctx, conversationID, messageID, status); err != nil {
		s.mu.Lock()
		s.sent.Del(key)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Ack records the backend's acknowledgment of a socket-carried receipt,
// cancelling the pending REST replay.
func (s *StatusSync) Ack(messageID entity.ID, status entity.DeliveryStatus) {
	key := markKey(messageID, status)

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.pendingAcks[key]; ok {
		timer.Stop()
		delete(s.pendingAcks, key)
	}
}

// Stop cancels all pending acknowledgment timers.
func (s *StatusSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.pendingAcks {
		timer.Stop()
		delete(s.pendingAcks, key)
	}
}

func (s *StatusSync) trackAck(conversationID, messageID entity.ID, status entity.DeliveryStatus, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pendingAcks[key]; ok {
		timer.Stop()
	}
	s.pendingAcks[key] = time.AfterFunc(s.ackTimeout, func() {
		s.mu.Lock()
		delete(s.pendingAcks, key)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.ackTimeout)
		defer cancel()
		if err := s.fallback.MarkMessageStatus(ctx, conversationID, messageID, status); err != nil {
			logger.Warn("StatusSync: unacked %s receipt for message %s failed REST replay: %v", status, messageID, err)
		}
	})
}

func markKey(messageID entity.ID, status entity.DeliveryStatus) string {
	return string(messageID) + ":" + string(status)
}

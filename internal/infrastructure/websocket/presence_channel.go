package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bazarchat/internal/domain/entity"
	"bazarchat/internal/infrastructure/reconnect"
	"bazarchat/pkg/logger"
)

const defaultHeartbeatInterval = 2 * time.Minute

type PresenceChannelConfig struct {
	Conn              *Conn
	Token             string
	Role              entity.Role
	UserID            string
	Policy            reconnect.Policy
	HeartbeatInterval time.Duration
	OnEvent           func(PresenceEvent)
	OnStatus          func(Status)
}

// PresenceChannel multiplexes three concerns on one subscription: online
// status broadcasts, typing signals, and delivered/read receipts.
type PresenceChannel struct {
	conn              *Conn
	token             string
	role              entity.Role
	userID            string
	policy            reconnect.Policy
	heartbeatInterval time.Duration
	onEvent           func(PresenceEvent)
	onStatus          func(Status)
	now               func() time.Time

	mu         sync.Mutex
	ctx        context.Context
	status     Status
	schedule   backoff.BackOff
	retryTimer *time.Timer
	hbStop     chan struct{}
	handlerID  uint64
	closed     bool
}

func NewPresenceChannel(cfg PresenceChannelConfig) *PresenceChannel {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &PresenceChannel{
		conn:              cfg.Conn,
		token:             cfg.Token,
		role:              cfg.Role,
		userID:            cfg.UserID,
		policy:            cfg.Policy,
		heartbeatInterval: interval,
		onEvent:           cfg.OnEvent,
		onStatus:          cfg.OnStatus,
		now:               time.Now,
		status:            StatusConnecting,
	}
}

func (pc *PresenceChannel) Open(ctx context.Context) {
	pc.mu.Lock()
	pc.ctx = ctx
	pc.schedule = pc.policy.NewBackOff()
	pc.handlerID = pc.conn.Handle(ChannelPresence, pc.handleFrame)
	pc.mu.Unlock()

	go pc.connect()
}

func (pc *PresenceChannel) Status() Status {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.status
}

func (pc *PresenceChannel) SendTypingStart(conversationID entity.ID) {
	pc.publish(PresenceEvent{
		Type:           EventTypingStatus,
		ConversationID: conversationID,
		UserType:       pc.role,
		UserID:         entity.ID(pc.userID),
		Typing:         true,
	})
}

func (pc *PresenceChannel) SendTypingStop(conversationID entity.ID) {
	pc.publish(PresenceEvent{
		Type:           EventTypingStatus,
		ConversationID: conversationID,
		UserType:       pc.role,
		UserID:         entity.ID(pc.userID),
		Typing:         false,
	})
}

// PublishStatus pushes a delivered/read receipt over the socket. It reports
// whether the publish went out; on false the caller falls back to REST.
func (pc *PresenceChannel) PublishStatus(conversationID, messageID entity.ID, status entity.DeliveryStatus) bool {
	var eventType string
	switch status {
	case entity.StatusRead:
		eventType = EventMessageRead
	case entity.StatusDelivered:
		eventType = EventMessageDelivered
	default:
		return false
	}

	pc.mu.Lock()
	connected := pc.status == StatusConnected
	pc.mu.Unlock()
	if !connected || !pc.conn.Connected() {
		return false
	}

	raw, err := marshalEvent(PresenceEvent{
		Type:           eventType,
		ConversationID: conversationID,
		MessageID:      messageID,
		UserType:       pc.role,
		UserID:         entity.ID(pc.userID),
		Status:         status,
	})
	if err != nil {
		logger.Error("PresenceChannel: failed to encode %s event: %v", eventType, err)
		return false
	}

	if err := pc.conn.WriteJSON(ClientFrame{Command: CommandMessage, Channel: ChannelPresence, Event: raw}); err != nil {
		logger.Warn("PresenceChannel: %s publish failed: %v", eventType, err)
		return false
	}
	return true
}

func (pc *PresenceChannel) Close() {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.closed = true
	if pc.retryTimer != nil {
		pc.retryTimer.Stop()
		pc.retryTimer = nil
	}
	pc.stopHeartbeatLocked()
	handlerID := pc.handlerID
	connected := pc.status == StatusConnected
	pc.mu.Unlock()

	// The wire unsubscribe goes out only when no sibling binding of the
	// shared connection still listens on this channel.
	if pc.conn.Unhandle(ChannelPresence, handlerID) && connected {
		pc.conn.WriteJSON(ClientFrame{Command: CommandUnsubscribe, Channel: ChannelPresence})
	}
}

func (pc *PresenceChannel) publish(event PresenceEvent) {
	pc.mu.Lock()
	connected := pc.status == StatusConnected
	pc.mu.Unlock()

	if !connected {
		logger.Debug("PresenceChannel: dropping %s publish, subscription not connected", event.Type)
		return
	}

	raw, err := marshalEvent(event)
	if err != nil {
		logger.Error("PresenceChannel: failed to encode %s event: %v", event.Type, err)
		return
	}
	if err := pc.conn.WriteJSON(ClientFrame{Command: CommandMessage, Channel: ChannelPresence, Event: raw}); err != nil {
		logger.Warn("PresenceChannel: %s publish failed: %v", event.Type, err)
	}
}

func (pc *PresenceChannel) connect() {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	ctx := pc.ctx
	pc.status = StatusConnecting
	pc.mu.Unlock()
	pc.notify(StatusConnecting)

	if err := pc.conn.EnsureConnected(ctx); err != nil {
		pc.transition(StatusDisconnected)
		return
	}

	if err := pc.conn.WriteJSON(ClientFrame{Command: CommandSubscribe, Channel: ChannelPresence}); err != nil {
		pc.transition(StatusDisconnected)
		return
	}
}

func (pc *PresenceChannel) handleFrame(frame ServerFrame) {
	switch frame.Type {
	case FrameConfirmSubscription:
		pc.mu.Lock()
		pc.status = StatusConnected
		pc.schedule = pc.policy.NewBackOff()
		if pc.retryTimer != nil {
			pc.retryTimer.Stop()
			pc.retryTimer = nil
		}
		pc.startHeartbeatLocked()
		pc.mu.Unlock()
		pc.notify(StatusConnected)

	case FrameRejectSubscription:
		// An expired credential cannot heal by retrying; stop until the
		// owning view remounts with a fresh token.
		if tokenExpired(pc.token, pc.now()) {
			pc.mu.Lock()
			pc.status = StatusRejected
			pc.stopHeartbeatLocked()
			pc.mu.Unlock()
			pc.notify(StatusRejected)
			logger.Warn("PresenceChannel: subscription rejected with expired token, credential refresh required")
			return
		}
		pc.transition(StatusRejected)

	case frameConnectionLost:
		pc.mu.Lock()
		pc.stopHeartbeatLocked()
		pc.mu.Unlock()
		pc.transition(StatusDisconnected)

	case FrameEvent:
		pc.handleEvent(frame.Event)
	}
}

func (pc *PresenceChannel) handleEvent(raw json.RawMessage) {
	var event PresenceEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		logger.Warn("PresenceChannel: undecodable event dropped: %v", err)
		return
	}

	switch event.Type {
	case EventOnlineStatus, EventTypingStatus, EventMessageRead, EventMessageDelivered:
		if pc.onEvent != nil {
			pc.onEvent(event)
		}
	default:
		// Unknown event kinds are ignored for forward compatibility.
	}
}

func (pc *PresenceChannel) transition(status Status) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.status = status
	pc.scheduleRetryLocked()
	pc.mu.Unlock()
	pc.notify(status)
}

func (pc *PresenceChannel) scheduleRetryLocked() {
	if pc.ctx != nil && pc.ctx.Err() != nil {
		return
	}

	delay := pc.schedule.NextBackOff()
	if delay == backoff.Stop {
		logger.Warn("PresenceChannel: reconnect attempts exhausted")
		return
	}

	if pc.retryTimer != nil {
		pc.retryTimer.Stop()
	}
	pc.retryTimer = time.AfterFunc(delay, pc.connect)
	logger.Debug("PresenceChannel: retrying in %s", delay)
}

// startHeartbeatLocked runs the 2-minute heartbeat while the subscription is
// live. The loop exits on its own when the connection goes inactive; the
// next confirm recreates it.
func (pc *PresenceChannel) startHeartbeatLocked() {
	pc.stopHeartbeatLocked()
	stop := make(chan struct{})
	pc.hbStop = stop

	go func() {
		ticker := time.NewTicker(pc.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !pc.conn.Connected() {
					return
				}
				if err := pc.conn.WriteJSON(ClientFrame{Command: CommandHeartbeat, Channel: ChannelPresence}); err != nil {
					logger.Debug("PresenceChannel: heartbeat failed: %v", err)
					return
				}
			}
		}
	}()
}

func (pc *PresenceChannel) stopHeartbeatLocked() {
	if pc.hbStop != nil {
		close(pc.hbStop)
		pc.hbStop = nil
	}
}

func (pc *PresenceChannel) notify(status Status) {
	if pc.onStatus != nil {
		pc.onStatus(status)
	}
}

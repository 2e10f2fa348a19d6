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

// Status is a channel binding's connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusRejected     Status = "rejected"
)

type MessageChannelConfig struct {
	Conn      *Conn
	Policy    reconnect.Policy
	OnMessage func(NewMessageEvent)
	OnStatus  func(Status)
}

// MessageChannel is the per-view subscription that receives new_message
// events and publishes locally composed messages for low-latency fan-out.
// Durable persistence is the caller's parallel REST call, not this channel.
type MessageChannel struct {
	conn      *Conn
	policy    reconnect.Policy
	onMessage func(NewMessageEvent)
	onStatus  func(Status)

	mu         sync.Mutex
	ctx        context.Context
	status     Status
	schedule   backoff.BackOff
	retryTimer *time.Timer
	handlerID  uint64
	closed     bool
}

func NewMessageChannel(cfg MessageChannelConfig) *MessageChannel {
	return &MessageChannel{
		conn:      cfg.Conn,
		policy:    cfg.Policy,
		onMessage: cfg.OnMessage,
		onStatus:  cfg.OnStatus,
		status:    StatusConnecting,
	}
}

// Open binds the channel and starts connecting. Retries stop when ctx is
// cancelled or Close is called.
func (mc *MessageChannel) Open(ctx context.Context) {
	mc.mu.Lock()
	mc.ctx = ctx
	mc.schedule = mc.policy.NewBackOff()
	mc.handlerID = mc.conn.Handle(ChannelMessages, mc.handleFrame)
	mc.mu.Unlock()

	go mc.connect()
}

func (mc *MessageChannel) Status() Status {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.status
}

// Send publishes a locally composed message. Fire and forget: while the
// subscription is not connected the publish is dropped, never queued, and no
// error surfaces to the caller.
func (mc *MessageChannel) Send(conversationID entity.ID, content string, senderRole entity.Role, senderID string) {
	mc.mu.Lock()
	connected := mc.status == StatusConnected
	mc.mu.Unlock()

	if !connected {
		logger.Debug("MessageChannel: dropping publish to conversation %s, subscription not connected", conversationID)
		return
	}

	event := NewMessageEvent{
		Type:           EventNewMessage,
		ConversationID: conversationID,
		Message: entity.Message{
			ConversationID: conversationID,
			SenderType:     senderRole,
			SenderID:       entity.ID(senderID),
			Content:        content,
			Status:         entity.StatusSent,
			CreatedAt:      time.Now(),
		},
	}

	raw, err := marshalEvent(event)
	if err != nil {
		logger.Error("MessageChannel: failed to encode outgoing message: %v", err)
		return
	}

	if err := mc.conn.WriteJSON(ClientFrame{Command: CommandMessage, Channel: ChannelMessages, Event: raw}); err != nil {
		logger.Warn("MessageChannel: publish failed: %v", err)
	}
}

func (mc *MessageChannel) Close() {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return
	}
	mc.closed = true
	if mc.retryTimer != nil {
		mc.retryTimer.Stop()
		mc.retryTimer = nil
	}
	handlerID := mc.handlerID
	connected := mc.status == StatusConnected
	mc.mu.Unlock()

	// The wire unsubscribe goes out only when no sibling binding of the
	// shared connection still listens on this channel.
	if mc.conn.Unhandle(ChannelMessages, handlerID) && connected {
		mc.conn.WriteJSON(ClientFrame{Command: CommandUnsubscribe, Channel: ChannelMessages})
	}
}

func (mc *MessageChannel) connect() {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return
	}
	ctx := mc.ctx
	mc.status = StatusConnecting
	mc.mu.Unlock()
	mc.notify(StatusConnecting)

	if err := mc.conn.EnsureConnected(ctx); err != nil {
		mc.transition(StatusDisconnected)
		return
	}

	if err := mc.conn.WriteJSON(ClientFrame{Command: CommandSubscribe, Channel: ChannelMessages}); err != nil {
		mc.transition(StatusDisconnected)
		return
	}
	// Confirmation (or rejection) arrives asynchronously via handleFrame.
}

func (mc *MessageChannel) handleFrame(frame ServerFrame) {
	switch frame.Type {
	case FrameConfirmSubscription:
		mc.mu.Lock()
		mc.status = StatusConnected
		mc.schedule = mc.policy.NewBackOff()
		if mc.retryTimer != nil {
			mc.retryTimer.Stop()
			mc.retryTimer = nil
		}
		mc.mu.Unlock()
		mc.notify(StatusConnected)

	case FrameRejectSubscription:
		mc.transition(StatusRejected)

	case frameConnectionLost:
		mc.transition(StatusDisconnected)

	case FrameEvent:
		mc.handleEvent(frame.Event)
	}
}

func (mc *MessageChannel) handleEvent(raw json.RawMessage) {
	var head eventHead
	if err := json.Unmarshal(raw, &head); err != nil {
		logger.Warn("MessageChannel: undecodable event dropped: %v", err)
		return
	}
	// Only new-message notifications are forwarded; other payloads are
	// ignored so additional event types stay forward compatible.
	if head.Type != EventNewMessage {
		return
	}

	var event NewMessageEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		logger.Warn("MessageChannel: undecodable new_message event dropped: %v", err)
		return
	}
	if mc.onMessage != nil {
		mc.onMessage(event)
	}
}

func (mc *MessageChannel) transition(status Status) {
	mc.mu.Lock()
	if mc.closed {
		mc.mu.Unlock()
		return
	}
	mc.status = status
	mc.scheduleRetryLocked()
	mc.mu.Unlock()
	mc.notify(status)
}

func (mc *MessageChannel) scheduleRetryLocked() {
	if mc.ctx != nil && mc.ctx.Err() != nil {
		return
	}

	delay := mc.schedule.NextBackOff()
	if delay == backoff.Stop {
		logger.Warn("MessageChannel: reconnect attempts exhausted")
		return
	}

	if mc.retryTimer != nil {
		mc.retryTimer.Stop()
	}
	mc.retryTimer = time.AfterFunc(delay, mc.connect)
	logger.Debug("MessageChannel: retrying in %s", delay)
}

func (mc *MessageChannel) notify(status Status) {
	if mc.onStatus != nil {
		mc.onStatus(status)
	}
}

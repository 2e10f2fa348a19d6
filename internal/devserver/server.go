package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"bazarchat/internal/domain/entity"
	ws "bazarchat/internal/infrastructure/websocket"
	apperrors "bazarchat/pkg/errors"
	"bazarchat/pkg/logger"
	"bazarchat/pkg/response"
	"bazarchat/pkg/utils"
)

const sendBufferSize = 64

// Server exposes the hub over the messaging REST surface plus the /ws
// endpoint. Tokens are dev-grade: "role:userID", presented as a bearer
// token on both transports.
type Server struct {
	hub      *Hub
	echo     *echo.Echo
	upgrader gorilla.Upgrader
}

func NewServer(hub *Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		hub:  hub,
		echo: e,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	e.GET("/health", func(c echo.Context) error {
		return response.Success(c, map[string]string{"status": "ok"})
	})

	api := e.Group("", s.authenticate)
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/unread_counts", s.unreadCounts)
	api.POST("/conversations/online_status", s.onlineStatus)
	api.GET("/conversations/:id/messages", s.listMessages)
	api.POST("/conversations/:id/messages", s.createMessage)
	api.PATCH("/conversations/:id/messages/:messageId/:action", s.markMessage)
	api.GET("/ws", s.serveWS)

	return s
}

// Handler exposes the underlying mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			return response.Error(c, apperrors.Unauthorized("Missing bearer token", nil))
		}

		role, userID, ok := strings.Cut(token, ":")
		if !ok || userID == "" || !entity.Role(role).Valid() {
			return response.Error(c, apperrors.Unauthorized("Malformed token, expected role:user_id", nil))
		}

		c.Set("identity", entity.Participant{Role: entity.Role(role), UserID: entity.ID(userID)})
		return next(c)
	}
}

func identityFrom(c echo.Context) entity.Participant {
	identity, _ := c.Get("identity").(entity.Participant)
	return identity
}

func (s *Server) listConversations(c echo.Context) error {
	conversations := s.hub.ConversationsFor(identityFrom(c).Key())
	if conversations == nil {
		conversations = []entity.Conversation{}
	}
	return c.JSON(http.StatusOK, conversations)
}

func (s *Server) listMessages(c echo.Context) error {
	pagination := utils.GetPaginationParams(c)
	messages, err := s.hub.MessagesFor(identityFrom(c).Key(), entity.ID(c.Param("id")), pagination.PageSize, pagination.Offset)
	if err != nil {
		return response.Error(c, err)
	}
	return c.JSON(http.StatusOK, messages)
}

type createMessageRequest struct {
	Message struct {
		Content   string    `json:"content"`
		ProductID entity.ID `json:"product_id"`
	} `json:"message"`
}

func (s *Server) createMessage(c echo.Context) error {
	var req createMessageRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, apperrors.BadRequest("Invalid request body", err))
	}

	message, err := s.hub.CreateMessage(identityFrom(c), entity.ID(c.Param("id")), req.Message.Content, req.Message.ProductID)
	if err != nil {
		return response.Error(c, err)
	}
	return c.JSON(http.StatusCreated, message)
}

func (s *Server) markMessage(c echo.Context) error {
	action := c.Param("action")
	status, ok := strings.CutPrefix(action, "mark_as_")
	if !ok {
		return response.Error(c, apperrors.BadRequest("Unknown message action", nil))
	}

	err := s.hub.MarkStatus(identityFrom(c), entity.ID(c.Param("id")), entity.ID(c.Param("messageId")), entity.DeliveryStatus(status))
	if err != nil {
		return response.Error(c, err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) unreadCounts(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.UnreadCounts(identityFrom(c).Key()))
}

type onlineStatusRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
}

func (s *Server) onlineStatus(c echo.Context) error {
	var req onlineStatusRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, apperrors.BadRequest("Invalid request body", err))
	}
	return c.JSON(http.StatusOK, s.hub.OnlineStatus(req.ParticipantIDs))
}

func (s *Server) serveWS(c echo.Context) error {
	identity := identityFrom(c)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WS upgrade failed for %s: %v", identity.Key(), err)
		return err
	}

	sub := &subscriber{
		identity: identity,
		send:     make(chan ws.ServerFrame, sendBufferSize),
		channels: make(map[string]bool),
	}
	s.hub.register(sub)
	sub.deliver(ws.ServerFrame{Type: ws.FrameWelcome})

	go s.writePump(conn, sub)
	s.readPump(conn, sub)
	return nil
}

func (s *Server) writePump(conn *gorilla.Conn, sub *subscriber) {
	for frame := range sub.send {
		if err := conn.WriteJSON(frame); err != nil {
			logger.Debug("WS write to %s failed: %v", sub.identity.Key(), err)
			break
		}
	}
	conn.Close()
}

func (s *Server) readPump(conn *gorilla.Conn, sub *subscriber) {
	defer func() {
		s.hub.unregister(sub)
		conn.Close()
	}()

	for {
		var frame ws.ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			logger.Debug("WS read from %s ended: %v", sub.identity.Key(), err)
			return
		}
		s.handleFrame(sub, frame)
	}
}

func (s *Server) handleFrame(sub *subscriber, frame ws.ClientFrame) {
	switch frame.Command {
	case ws.CommandSubscribe:
		if frame.Channel != ws.ChannelMessages && frame.Channel != ws.ChannelPresence {
			sub.deliver(ws.ServerFrame{Type: ws.FrameRejectSubscription, Channel: frame.Channel})
			return
		}
		s.hub.setChannel(sub, frame.Channel, true)
		sub.deliver(ws.ServerFrame{Type: ws.FrameConfirmSubscription, Channel: frame.Channel})
		if frame.Channel == ws.ChannelPresence {
			s.hub.broadcastPresence(sub.identity, true)
		}

	case ws.CommandUnsubscribe:
		s.hub.setChannel(sub, frame.Channel, false)
		if frame.Channel == ws.ChannelPresence {
			s.hub.broadcastPresence(sub.identity, false)
		}

	case ws.CommandHeartbeat:
		logger.Debug("WS heartbeat from %s", sub.identity.Key())

	case ws.CommandMessage:
		s.handlePublish(sub, frame)
	}
}

// handlePublish routes a client publish to the hub by channel and event type.
func (s *Server) handlePublish(sub *subscriber, frame ws.ClientFrame) {
	switch frame.Channel {
	case ws.ChannelMessages:
		var event ws.NewMessageEvent
		if err := json.Unmarshal(frame.Event, &event); err != nil {
			logger.Warn("WS malformed message event from %s: %v", sub.identity.Key(), err)
			return
		}
		if _, err := s.hub.CreateMessage(sub.identity, event.ConversationID, event.Message.Content, event.Message.ProductID); err != nil {
			logger.Warn("WS message from %s rejected: %v", sub.identity.Key(), err)
		}

	case ws.ChannelPresence:
		var event ws.PresenceEvent
		if err := json.Unmarshal(frame.Event, &event); err != nil {
			logger.Warn("WS malformed presence event from %s: %v", sub.identity.Key(), err)
			return
		}
		switch event.Type {
		case ws.EventTypingStatus:
			s.hub.RelayTyping(sub.identity, event.ConversationID, event.Typing)
		case ws.EventMessageRead:
			s.markFromSocket(sub, event, entity.StatusRead)
		case ws.EventMessageDelivered:
			s.markFromSocket(sub, event, entity.StatusDelivered)
		}
	}
}

func (s *Server) markFromSocket(sub *subscriber, event ws.PresenceEvent, status entity.DeliveryStatus) {
	if err := s.hub.MarkStatus(sub.identity, event.ConversationID, event.MessageID, status); err != nil {
		logger.Warn("WS %s receipt from %s rejected: %v", status, sub.identity.Key(), err)
	}
}

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bazarchat/internal/domain/entity"
	apperrors "bazarchat/pkg/errors"
	"bazarchat/pkg/logger"
)

const defaultTimeout = 15 * time.Second

// Client talks to the marketplace backend's messaging REST API. All calls
// attach the bearer token and decode error responses into AppError values.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

type sendMessageBody struct {
	Message struct {
		Content   string    `json:"content"`
		ProductID entity.ID `json:"product_id,omitempty"`
	} `json:"message"`
}

type onlineStatusBody struct {
	ParticipantIDs []string `json:"participant_ids"`
}

// ListConversations fetches the viewer's conversation list. The backend
// returns either a flat array or an object grouping conversations by
// category; both shapes are accepted.
func (c *Client) ListConversations(ctx context.Context) ([]entity.Conversation, error) {
	raw := json.RawMessage{}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &raw); err != nil {
		return nil, err
	}
	return decodeConversations(raw)
}

func (c *Client) ListMessages(ctx context.Context, conversationID entity.ID) ([]entity.Message, error) {
	var messages []entity.Message
	path := fmt.Sprintf("/conversations/%s/messages", conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Client) CreateMessage(ctx context.Context, conversationID entity.ID, content string, productID entity.ID) (*entity.Message, error) {
	body := sendMessageBody{}
	body.Message.Content = content
	body.Message.ProductID = productID

	var created entity.Message
	path := fmt.Sprintf("/conversations/%s/messages", conversationID)
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// MarkMessageStatus is the durable fallback for delivery receipts, used when
// the socket path is down.
func (c *Client) MarkMessageStatus(ctx context.Context, conversationID, messageID entity.ID, status entity.DeliveryStatus) error {
	if status != entity.StatusRead && status != entity.StatusDelivered {
		return apperrors.BadRequest(fmt.Sprintf("cannot mark message as %q", status), nil)
	}
	path := fmt.Sprintf("/conversations/%s/messages/%s/mark_as_%s", conversationID, messageID, status)
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

func (c *Client) UnreadCounts(ctx context.Context) (map[entity.ID]int, error) {
	counts := map[entity.ID]int{}
	if err := c.do(ctx, http.MethodGet, "/conversations/unread_counts", nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

// OnlineStatus performs the bulk initial presence query for the given
// identity keys.
func (c *Client) OnlineStatus(ctx context.Context, participantIDs []string) (map[string]bool, error) {
	online := map[string]bool{}
	if err := c.do(ctx, http.MethodPost, "/conversations/online_status", onlineStatusBody{ParticipantIDs: participantIDs}, &online); err != nil {
		return nil, err
	}
	return online, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.Internal("failed to encode request body", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperrors.Internal("failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Unavailable(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.errorFromResponse(method, path, resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Internal(fmt.Sprintf("failed to decode %s %s response", method, path), err)
	}
	return nil
}

type errorEnvelope struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) errorFromResponse(method, path string, resp *http.Response) error {
	var envelope errorEnvelope
	code := fmt.Sprintf("HTTP_%d", resp.StatusCode)
	message := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != nil {
		code = envelope.Error.Code
		message = envelope.Error.Message
	}

	logger.Debug("REST %s %s returned %d (%s)", method, path, resp.StatusCode, code)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return apperrors.Unauthorized(message, nil)
	case http.StatusForbidden:
		return apperrors.Forbidden(message, nil)
	case http.StatusNotFound:
		return apperrors.NotFound(message, nil)
	case http.StatusTooManyRequests:
		return apperrors.TooManyRequests(message)
	default:
		return apperrors.New(code, message, resp.StatusCode, nil)
	}
}

// decodeConversations handles both response shapes the backend produces for
// GET /conversations.
func decodeConversations(raw json.RawMessage) ([]entity.Conversation, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var conversations []entity.Conversation
		if err := json.Unmarshal(trimmed, &conversations); err != nil {
			return nil, apperrors.Internal("failed to decode conversation list", err)
		}
		return conversations, nil
	}

	var grouped map[string][]entity.Conversation
	if err := json.Unmarshal(trimmed, &grouped); err != nil {
		return nil, apperrors.Internal("failed to decode grouped conversation list", err)
	}

	var conversations []entity.Conversation
	seen := map[entity.ID]bool{}
	for _, group := range grouped {
		for _, conversation := range group {
			if seen[conversation.ID] {
				continue
			}
			seen[conversation.ID] = true
			conversations = append(conversations, conversation)
		}
	}
	return conversations, nil
}

package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazarchat/internal/domain/entity"
	apperrors "bazarchat/pkg/errors"
)

type fakeBackend struct {
	mu            sync.Mutex
	conversations []entity.Conversation
	messages      map[entity.ID][]entity.Message
	unread        map[entity.ID]int
	online        map[string]bool

	marked     []string
	markErr    error
	createErr  error
	created    []entity.Message
	listMsgErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages: make(map[entity.ID][]entity.Message),
		unread:   make(map[entity.ID]int),
		online:   make(map[string]bool),
	}
}

func (f *fakeBackend) ListConversations(context.Context) ([]entity.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations, nil
}

func (f *fakeBackend) ListMessages(_ context.Context, conversationID entity.ID) ([]entity.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listMsgErr != nil {
		return nil, f.listMsgErr
	}
	return f.messages[conversationID], nil
}

func (f *fakeBackend) CreateMessage(_ context.Context, conversationID entity.ID, content string, productID entity.ID) (*entity.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	message := entity.Message{
		ID:             entity.ID("srv-" + content),
		ConversationID: conversationID,
		SenderType:     entity.RoleBuyer,
		SenderID:       "1",
		Content:        content,
		Status:         entity.StatusSent,
		ProductID:      productID,
		CreatedAt:      time.Now(),
	}
	f.created = append(f.created, message)
	return &message, nil
}

func (f *fakeBackend) MarkMessageStatus(_ context.Context, _, messageID entity.ID, status entity.DeliveryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, string(messageID)+":"+string(status))
	return nil
}

func (f *fakeBackend) UnreadCounts(context.Context) (map[entity.ID]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeBackend) OnlineStatus(context.Context, []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online, nil
}

func (f *fakeBackend) markedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marked...)
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	published []string
}

func (f *fakePublisher) PublishStatus(_, messageID entity.ID, status entity.DeliveryStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.published = append(f.published, string(messageID)+":"+string(status))
	return true
}

func (f *fakePublisher) publishedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

func TestMarkIsIdempotentPerTransition(t *testing.T) {
	backend := newFakeBackend()
	statusSync := NewStatusSync(backend)
	defer statusSync.Stop()

	ctx := context.Background()
	require.NoError(t, statusSync.Mark(ctx, "c1", "m1", entity.StatusRead))
	require.NoError(t, statusSync.Mark(ctx, "c1", "m1", entity.StatusRead))
	require.NoError(t, statusSync.Mark(ctx, "c1", "m1", entity.StatusDelivered))

	assert.Equal(t, []string{"m1:read", "m1:delivered"}, backend.markedCalls())
}

func TestMarkPrefersSocketWhenConnected(t *testing.T) {
	backend := newFakeBackend()
	publisher := &fakePublisher{connected: true}

	statusSync := NewStatusSync(backend)
	defer statusSync.Stop()
	statusSync.SetPublisher(publisher)

	require.NoError(t, statusSync.Mark(context.Background(), "c1", "m1", entity.StatusRead))
	statusSync.Ack("m1", entity.StatusRead)

	assert.Equal(t, []string{"m1:read"}, publisher.publishedCalls())
	assert.Empty(t, backend.markedCalls())
}

func TestMarkFallsBackToRESTWhenDisconnected(t *testing.T) {
	backend := newFakeBackend()
	publisher := &fakePublisher{connected: false}

	statusSync := NewStatusSync(backend)
	defer statusSync.Stop()
	statusSync.SetPublisher(publisher)

	require.NoError(t, statusSync.Mark(context.Background(), "c1", "m1", entity.StatusDelivered))

	assert.Empty(t, publisher.publishedCalls())
	assert.Equal(t, []string{"m1:delivered"}, backend.markedCalls())
}

func TestMarkFailureAllowsRetry(t *testing.T) {
	backend := newFakeBackend()
	backend.markErr = apperrors.Unavailable("backend down", nil)

	statusSync := NewStatusSync(backend)
	defer statusSync.Stop()

	ctx := context.Background()
	require.Error(t, statusSync.Mark(ctx, "c1", "m1", entity.StatusRead))

	// The failed transition is not latched, so a retry goes through.
	backend.mu.Lock()
	backend.markErr = nil
	backend.mu.Unlock()
	require.NoError(t, statusSync.Mark(ctx, "c1", "m1", entity.StatusRead))
	assert.Equal(t, []string{"m1:read"}, backend.markedCalls())
}

func TestUnackedSocketPublishReplaysOverREST(t *testing.T) {
	backend := newFakeBackend()
	publisher := &fakePublisher{connected: true}

	statusSync := NewStatusSync(backend)
	defer statusSync.Stop()
	statusSync.SetPublisher(publisher)
	statusSync.ackTimeout = 20 * time.Millisecond

	require.NoError(t, statusSync.Mark(context.Background(), "c1", "m1", entity.StatusRead))

	assert.Eventually(t, func() bool {
		return len(backend.markedCalls()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1:read"}, backend.markedCalls())
}

func TestAckCancelsReplay(t *testing.T) {
	backend := newFakeBackend()
	publisher := &fakePublisher{connected: true}

	statusSync := NewStatusSync(backend)
	defer statusSync.Stop()
	statusSync.SetPublisher(publisher)
	statusSync.ackTimeout = 20 * time.Millisecond

	require.NoError(t, statusSync.Mark(context.Background(), "c1", "m1", entity.StatusRead))
	statusSync.Ack("m1", entity.StatusRead)

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, backend.markedCalls())
}

package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazarchat/internal/domain/entity"
)

var storeBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore() *ConversationStore {
	return NewConversationStore("buyer_1")
}

func msg(id string, conv entity.ID, role entity.Role, sender entity.ID, at time.Time) entity.Message {
	return entity.Message{
		ID:             entity.ID(id),
		ConversationID: conv,
		SenderType:     role,
		SenderID:       sender,
		Content:        "m-" + id,
		Status:         entity.StatusSent,
		CreatedAt:      at,
	}
}

func TestMessagesStayOrderedByCreatedAt(t *testing.T) {
	store := newTestStore()

	store.InsertMessage(msg("b", "c1", "seller", "2", storeBase.Add(2*time.Minute)))
	store.InsertMessage(msg("a", "c1", "seller", "2", storeBase.Add(1*time.Minute)))
	store.InsertMessage(msg("c", "c1", "seller", "2", storeBase.Add(3*time.Minute)))

	list := store.MessagesFor("c1")
	require.Len(t, list, 3)
	assert.Equal(t, entity.ID("a"), list[0].ID)
	assert.Equal(t, entity.ID("b"), list[1].ID)
	assert.Equal(t, entity.ID("c"), list[2].ID)
}

func TestDuplicateIDsAreDropped(t *testing.T) {
	store := newTestStore()

	assert.True(t, store.InsertMessage(msg("a", "c1", "seller", "2", storeBase)))
	assert.False(t, store.InsertMessage(msg("a", "c1", "seller", "2", storeBase)))
	assert.Len(t, store.MessagesFor("c1"), 1)
}

func TestHistoryMergeDeduplicatesAgainstLivePushes(t *testing.T) {
	store := newTestStore()

	// Live push lands first, then the history fetch returns the same record.
	store.InsertMessage(msg("a", "c1", "seller", "2", storeBase))

	generation := store.BeginHistoryLoad("c1")
	applied := store.CompleteHistoryLoad("c1", generation, []entity.Message{
		msg("a", "c1", "seller", "2", storeBase),
		msg("b", "c1", "seller", "2", storeBase.Add(time.Minute)),
	})

	assert.True(t, applied)
	assert.Len(t, store.MessagesFor("c1"), 2)
}

func TestStaleHistoryResultIsDiscarded(t *testing.T) {
	store := newTestStore()

	stale := store.BeginHistoryLoad("c1")
	fresh := store.BeginHistoryLoad("c1")

	assert.False(t, store.CompleteHistoryLoad("c1", stale, []entity.Message{
		msg("old", "c1", "seller", "2", storeBase),
	}))
	assert.Empty(t, store.MessagesFor("c1"))

	assert.True(t, store.CompleteHistoryLoad("c1", fresh, []entity.Message{
		msg("new", "c1", "seller", "2", storeBase),
	}))
	require.Len(t, store.MessagesFor("c1"), 1)
	assert.Equal(t, entity.ID("new"), store.MessagesFor("c1")[0].ID)
}

func TestUnreadIncrementsOnlyForInactiveInbound(t *testing.T) {
	store := newTestStore()
	store.SetActive("c1")

	// Inbound to the active conversation: no increment.
	store.InsertMessage(msg("a", "c1", "seller", "2", storeBase))
	assert.Equal(t, 0, store.UnreadCount("c1"))

	// Inbound to a background conversation: increments.
	store.InsertMessage(msg("b", "c2", "seller", "2", storeBase))
	assert.Equal(t, 1, store.UnreadCount("c2"))

	// The viewer's own message never counts.
	store.InsertMessage(msg("c", "c2", "buyer", "1", storeBase.Add(time.Minute)))
	assert.Equal(t, 1, store.UnreadCount("c2"))
}

func TestOptimisticSendResolvesToAuthoritativeRecord(t *testing.T) {
	store := newTestStore()

	local := entity.Message{
		TempID:         "tmp-1",
		ConversationID: "c1",
		SenderType:     "buyer",
		SenderID:       "1",
		Content:        "hello",
		Status:         entity.StatusSending,
		CreatedAt:      storeBase,
		Pending:        true,
	}
	store.InsertPending(local)
	require.Len(t, store.MessagesFor("c1"), 1)
	assert.True(t, store.MessagesFor("c1")[0].Pending)

	authoritative := msg("real-1", "c1", "buyer", "1", storeBase)
	store.ResolvePending("tmp-1", authoritative)

	list := store.MessagesFor("c1")
	require.Len(t, list, 1)
	assert.Equal(t, entity.ID("real-1"), list[0].ID)
	assert.False(t, list[0].Pending)
}

func TestResolvePendingAfterLivePushLeavesOneCopy(t *testing.T) {
	store := newTestStore()

	store.InsertPending(entity.Message{
		TempID:         "tmp-1",
		ConversationID: "c1",
		SenderType:     "buyer",
		SenderID:       "1",
		Status:         entity.StatusSending,
		CreatedAt:      storeBase,
		Pending:        true,
	})

	// The channel echoes the authoritative record before REST returns.
	store.InsertMessage(msg("real-1", "c1", "buyer", "1", storeBase))
	store.ResolvePending("tmp-1", msg("real-1", "c1", "buyer", "1", storeBase))

	list := store.MessagesFor("c1")
	require.Len(t, list, 1)
	assert.Equal(t, entity.ID("real-1"), list[0].ID)
}

func TestFailedSendStaysVisibleAndFlagged(t *testing.T) {
	store := newTestStore()

	store.InsertPending(entity.Message{
		TempID:         "tmp-1",
		ConversationID: "c1",
		SenderType:     "buyer",
		SenderID:       "1",
		Content:        "doomed",
		Status:         entity.StatusSending,
		CreatedAt:      storeBase,
		Pending:        true,
	})
	store.FailPending("tmp-1")

	list := store.MessagesFor("c1")
	require.Len(t, list, 1)
	assert.True(t, list[0].Failed)
	assert.False(t, list[0].Pending)
}

func TestStatusUpdatesAreMonotonic(t *testing.T) {
	store := newTestStore()
	store.InsertMessage(msg("a", "c1", "buyer", "1", storeBase))

	assert.True(t, store.UpdateMessageStatus("c1", "a", entity.StatusRead))
	assert.False(t, store.UpdateMessageStatus("c1", "a", entity.StatusDelivered))
	assert.Equal(t, entity.StatusRead, store.MessagesFor("c1")[0].Status)
}

func TestReadingActiveConversationClearsUnread(t *testing.T) {
	store := newTestStore()

	store.InsertMessage(msg("a", "c1", "seller", "2", storeBase))
	assert.Equal(t, 1, store.UnreadCount("c1"))

	store.SetActive("c1")
	store.UpdateMessageStatus("c1", "a", entity.StatusRead)
	assert.Equal(t, 0, store.UnreadCount("c1"))
}

func TestConversationsOrderedByRecentActivity(t *testing.T) {
	store := newTestStore()
	store.SetConversations([]entity.Conversation{
		{ID: "old", CreatedAt: storeBase},
		{ID: "new", CreatedAt: storeBase.Add(time.Hour)},
	})

	store.InsertMessage(msg("a", "old", "seller", "2", storeBase.Add(2*time.Hour)))

	list := store.Conversations()
	require.Len(t, list, 2)
	assert.Equal(t, entity.ID("old"), list[0].ID)
	assert.Equal(t, entity.ID("new"), list[1].ID)
}

func TestPresenceTransitions(t *testing.T) {
	store := newTestStore()

	store.SetPresence(entity.PresenceRecord{Role: "seller", UserID: "2", Online: true})
	assert.True(t, store.IsOnline("seller_2"))

	store.SetPresence(entity.PresenceRecord{Role: "seller", UserID: "2", Online: false})
	assert.False(t, store.IsOnline("seller_2"))
}

func TestBulkPresenceMerge(t *testing.T) {
	store := newTestStore()

	store.ApplyBulkPresence(map[string]bool{
		"seller_2": true,
		"seller_3": false,
		"admin_9":  true,
	})

	assert.True(t, store.IsOnline("seller_2"))
	assert.False(t, store.IsOnline("seller_3"))
	assert.Equal(t, []string{"admin_9", "seller_2"}, store.OnlineUsers())
}

func TestTypingIndicatorExpires(t *testing.T) {
	store := newTestStore()
	current := storeBase
	store.now = func() time.Time { return current }

	store.SetTyping(entity.TypingIndicator{Role: "seller", UserID: "2", ConversationID: "c1"}, true)
	assert.Len(t, store.TypingIn("c1"), 1)

	// A fresh signal extends the window.
	current = current.Add(2 * time.Second)
	store.SetTyping(entity.TypingIndicator{Role: "seller", UserID: "2", ConversationID: "c1"}, true)
	current = current.Add(2 * time.Second)
	assert.Len(t, store.TypingIn("c1"), 1)

	// Silence past the expiry window drops the indicator.
	current = current.Add(3 * time.Second)
	assert.Empty(t, store.TypingIn("c1"))
}

func TestExplicitTypingStopClearsImmediately(t *testing.T) {
	store := newTestStore()

	indicator := entity.TypingIndicator{Role: "seller", UserID: "2", ConversationID: "c1"}
	store.SetTyping(indicator, true)
	store.SetTyping(indicator, false)
	assert.Empty(t, store.TypingIn("c1"))
}

func TestSetConversationsAdoptsServerUnreadCounts(t *testing.T) {
	store := newTestStore()

	store.SetConversations([]entity.Conversation{{ID: "c1", UnreadCount: 4}})
	assert.Equal(t, 4, store.UnreadCount("c1"))

	list := store.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, 4, list[0].UnreadCount)
}

func TestFetchClearsUnreadWhenServerReportsRead(t *testing.T) {
	store := newTestStore()

	store.InsertMessage(msg("a", "c1", "seller", "2", storeBase))
	require.Equal(t, 1, store.UnreadCount("c1"))

	// The conversation was read from another device; the next fetch
	// carries it with no unread count and the live counter goes with it.
	store.SetConversations([]entity.Conversation{
		{ID: "c1", CreatedAt: storeBase},
		{ID: "c2", CreatedAt: storeBase, UnreadCount: 2},
	})

	assert.Equal(t, 0, store.UnreadCount("c1"))
	assert.Equal(t, 2, store.UnreadCount("c2"))
}

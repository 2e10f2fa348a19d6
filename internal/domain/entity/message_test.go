package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdvanceStatusIsMonotonic(t *testing.T) {
	m := Message{Status: StatusSending}

	assert.True(t, m.AdvanceStatus(StatusSent))
	assert.True(t, m.AdvanceStatus(StatusDelivered))
	assert.True(t, m.AdvanceStatus(StatusRead))

	// Regressions and repeats are dropped.
	assert.False(t, m.AdvanceStatus(StatusRead))
	assert.False(t, m.AdvanceStatus(StatusDelivered))
	assert.False(t, m.AdvanceStatus(StatusSent))
	assert.Equal(t, StatusRead, m.Status)
}

func TestAdvanceStatusSkipsLevels(t *testing.T) {
	m := Message{Status: StatusSent}

	assert.True(t, m.AdvanceStatus(StatusRead))
	assert.Equal(t, StatusRead, m.Status)
}

func TestDeliveryStatusRank(t *testing.T) {
	assert.Less(t, StatusSending.Rank(), StatusSent.Rank())
	assert.Less(t, StatusSent.Rank(), StatusDelivered.Rank())
	assert.Less(t, StatusDelivered.Rank(), StatusRead.Rank())
	assert.Equal(t, -1, DeliveryStatus("bogus").Rank())
}

func TestSenderKey(t *testing.T) {
	m := Message{SenderType: RoleSeller, SenderID: "42"}
	assert.Equal(t, "seller_42", m.SenderKey())
}

func TestIDAcceptsStringsAndNumbers(t *testing.T) {
	var m Message
	payload := `{"id":"abc","sender_type":"buyer","sender_id":7,"content":"hi"}`

	err := json.Unmarshal([]byte(payload), &m)
	assert.NoError(t, err)
	assert.Equal(t, ID("abc"), m.ID)
	assert.Equal(t, ID("7"), m.SenderID)
}

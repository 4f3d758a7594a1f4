package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civitas-client/internal/model"
)

func makeNotification(id string, read bool) model.Notification {
	return model.Notification{
		ID:        id,
		Title:     "title " + id,
		Message:   "message " + id,
		Type:      "announcement",
		Read:      read,
		Timestamp: time.Now().UTC(),
	}
}

func TestReduce_AddIsIdempotentPerID(t *testing.T) {
	state := initialState()

	for i := 0; i < 4; i++ {
		state = Reduce(state, Add{Notification: makeNotification("n1", false)})
	}
	state = Reduce(state, Add{Notification: makeNotification("n2", false)})
	state = Reduce(state, Add{Notification: makeNotification("n2", false)})

	require.Len(t, state.Notifications, 2)
	assert.Equal(t, 2, state.UnreadCount)

	seen := map[string]int{}
	for _, n := range state.Notifications {
		seen[n.ID]++
	}
	for id, count := range seen {
		assert.Equal(t, 1, count, "id %s appears %d times", id, count)
	}
}

func TestReduce_AddPrependsNewestFirst(t *testing.T) {
	state := initialState()
	state = Reduce(state, Add{Notification: makeNotification("older", false)})
	state = Reduce(state, Add{Notification: makeNotification("newer", false)})

	require.Len(t, state.Notifications, 2)
	assert.Equal(t, "newer", state.Notifications[0].ID)
	assert.Equal(t, "older", state.Notifications[1].ID)
}

func TestReduce_FiveAddsThenOneMarkRead(t *testing.T) {
	state := initialState()
	for i := 0; i < 5; i++ {
		state = Reduce(state, Add{Notification: makeNotification(fmt.Sprintf("n%d", i), false)})
	}
	require.Equal(t, 5, state.UnreadCount)

	state = Reduce(state, MarkRead{ID: "n2"})
	assert.Equal(t, 4, state.UnreadCount)

	// Marking the same record again must not decrement further.
	state = Reduce(state, MarkRead{ID: "n2"})
	assert.Equal(t, 4, state.UnreadCount)
}

func TestReduce_MarkAllReadAlwaysZeroes(t *testing.T) {
	state := initialState()
	state = Reduce(state, Add{Notification: makeNotification("a", false)})
	state = Reduce(state, Add{Notification: makeNotification("b", true)})
	state = Reduce(state, Add{Notification: makeNotification("c", false)})

	state = Reduce(state, MarkAllRead{})

	assert.Equal(t, 0, state.UnreadCount)
	for _, n := range state.Notifications {
		assert.True(t, n.Read, "notification %s still unread", n.ID)
	}

	// Idempotent on an already fully-read list.
	state = Reduce(state, MarkAllRead{})
	assert.Equal(t, 0, state.UnreadCount)
}

func TestReduce_RemoveDecrementsOnlyForUnread(t *testing.T) {
	state := initialState()
	state = Reduce(state, Add{Notification: makeNotification("unread", false)})
	state = Reduce(state, Add{Notification: makeNotification("read", true)})
	require.Equal(t, 1, state.UnreadCount)

	state = Reduce(state, Remove{ID: "read"})
	assert.Equal(t, 1, state.UnreadCount)
	assert.Len(t, state.Notifications, 1)

	state = Reduce(state, Remove{ID: "unread"})
	assert.Equal(t, 0, state.UnreadCount)
	assert.Empty(t, state.Notifications)

	// Removing a missing id and removing below zero both clamp safely.
	state = Reduce(state, Remove{ID: "missing"})
	assert.Equal(t, 0, state.UnreadCount)
}

func TestReduce_ReplaceAllRecomputesUnread(t *testing.T) {
	state := initialState()
	state = Reduce(state, Add{Notification: makeNotification("stale", false)})
	state = Reduce(state, SetUnread{Count: 42})

	incoming := []model.Notification{
		makeNotification("x", false),
		makeNotification("y", true),
		makeNotification("z", false),
	}
	state = Reduce(state, ReplaceAll{Notifications: incoming})

	assert.Len(t, state.Notifications, 3)
	assert.Equal(t, 2, state.UnreadCount)

	// Replaying the same replace yields the same count, recomputed not
	// accumulated.
	state = Reduce(state, ReplaceAll{Notifications: incoming})
	assert.Equal(t, 2, state.UnreadCount)
}

func TestReduce_UpdateMergesAndKeepsReadMonotonic(t *testing.T) {
	state := initialState()
	state = Reduce(state, Add{Notification: makeNotification("n1", false)})

	state = Reduce(state, Update{Notification: model.Notification{ID: "n1", Title: "edited", Read: true}})

	require.Len(t, state.Notifications, 1)
	assert.Equal(t, "edited", state.Notifications[0].Title)
	assert.Equal(t, "message n1", state.Notifications[0].Message)
	assert.True(t, state.Notifications[0].Read)
	assert.Equal(t, 0, state.UnreadCount)

	// A patch with Read=false must not flip a read record back.
	state = Reduce(state, Update{Notification: model.Notification{ID: "n1", Title: "again"}})
	assert.True(t, state.Notifications[0].Read)
	assert.Equal(t, 0, state.UnreadCount)
}

func TestReduce_ConnectionTransitions(t *testing.T) {
	state := initialState()

	state = Reduce(state, ConnectionStatus{Connected: true})
	assert.True(t, state.IsConnected)
	assert.False(t, state.ConnectionFailed)

	state = Reduce(state, ConnectionFailed{})
	assert.False(t, state.IsConnected)
	assert.True(t, state.ConnectionFailed)

	// A successful reconnect clears the failed flag.
	state = Reduce(state, ConnectionStatus{Connected: true})
	assert.True(t, state.IsConnected)
	assert.False(t, state.ConnectionFailed)
}

func TestReduce_ClearAllEmptiesEverything(t *testing.T) {
	state := initialState()
	state = Reduce(state, Add{Notification: makeNotification("a", false)})
	state = Reduce(state, Add{Notification: makeNotification("b", false)})

	state = Reduce(state, ClearAll{})

	assert.Empty(t, state.Notifications)
	assert.Equal(t, 0, state.UnreadCount)
}

func TestReduce_UpdateSettingsShallowMerges(t *testing.T) {
	state := initialState()
	state = Reduce(state, UpdateSettings{Settings: map[string]any{"email": true, "push": false}})
	state = Reduce(state, UpdateSettings{Settings: map[string]any{"push": true}})

	assert.Equal(t, true, state.Settings["email"])
	assert.Equal(t, true, state.Settings["push"])
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	state := initialState()
	state = Reduce(state, Add{Notification: makeNotification("a", false)})

	before := state.Notifications[0].Read
	_ = Reduce(state, MarkAllRead{})

	assert.Equal(t, before, state.Notifications[0].Read)
}

// Package notify holds the reducer-driven notification state: the
// newest-first notification list, the unread count and the mirrored
// connection status.
package notify

import "civitas-client/internal/model"

type State struct {
	Notifications    []model.Notification
	UnreadCount      int
	IsConnected      bool
	ConnectionFailed bool
	Settings         map[string]any
}

// Action is the tagged union of state transitions. Reduce switches over it
// exhaustively; side effects live strictly outside the reducer.
type Action interface {
	isAction()
}

type ConnectionStatus struct{ Connected bool }

// Add prepends a notification. An already-present id is a no-op, not an
// overwrite.
type Add struct{ Notification model.Notification }

// Update merges non-zero fields into the record with the matching id. Read
// only transitions unread to read here; replace-all is the one resync path
// that may flip it back.
type Update struct{ Notification model.Notification }

type MarkRead struct{ ID string }

type MarkAllRead struct{}

type Remove struct{ ID string }

// ReplaceAll swaps the whole list and recomputes the unread count from the
// incoming read flags.
type ReplaceAll struct{ Notifications []model.Notification }

type UpdateSettings struct{ Settings map[string]any }

type SetUnread struct{ Count int }

type ConnectionFailed struct{}

type ClearAll struct{}

func (ConnectionStatus) isAction() {}
func (Add) isAction()              {}
func (Update) isAction()           {}
func (MarkRead) isAction()         {}
func (MarkAllRead) isAction()      {}
func (Remove) isAction()           {}
func (ReplaceAll) isAction()       {}
func (UpdateSettings) isAction()   {}
func (SetUnread) isAction()        {}
func (ConnectionFailed) isAction() {}
func (ClearAll) isAction()         {}

func initialState() State {
	return State{Notifications: []model.Notification{}}
}

// Reduce is the pure transition function. The input state is never
// mutated; list-changing actions work on copies.
func Reduce(state State, action Action) State {
	switch a := action.(type) {
	case ConnectionStatus:
		state.IsConnected = a.Connected
		if a.Connected {
			state.ConnectionFailed = false
		}
		return state

	case Add:
		for _, n := range state.Notifications {
			if n.ID == a.Notification.ID {
				return state
			}
		}
		list := make([]model.Notification, 0, len(state.Notifications)+1)
		list = append(list, a.Notification)
		list = append(list, state.Notifications...)
		state.Notifications = list
		if !a.Notification.Read {
			state.UnreadCount++
		}
		return state

	case Update:
		list := make([]model.Notification, len(state.Notifications))
		copy(list, state.Notifications)
		for i := range list {
			if list[i].ID != a.Notification.ID {
				continue
			}
			merged := mergeNotification(list[i], a.Notification)
			if !list[i].Read && merged.Read {
				state.UnreadCount = clampZero(state.UnreadCount - 1)
			}
			list[i] = merged
			break
		}
		state.Notifications = list
		return state

	case MarkRead:
		list := make([]model.Notification, len(state.Notifications))
		copy(list, state.Notifications)
		for i := range list {
			if list[i].ID != a.ID {
				continue
			}
			if !list[i].Read {
				list[i].Read = true
				state.UnreadCount = clampZero(state.UnreadCount - 1)
			}
			break
		}
		state.Notifications = list
		return state

	case MarkAllRead:
		list := make([]model.Notification, len(state.Notifications))
		copy(list, state.Notifications)
		for i := range list {
			list[i].Read = true
		}
		state.Notifications = list
		state.UnreadCount = 0
		return state

	case Remove:
		list := make([]model.Notification, 0, len(state.Notifications))
		for _, n := range state.Notifications {
			if n.ID == a.ID {
				if !n.Read {
					state.UnreadCount = clampZero(state.UnreadCount - 1)
				}
				continue
			}
			list = append(list, n)
		}
		state.Notifications = list
		return state

	case ReplaceAll:
		list := make([]model.Notification, len(a.Notifications))
		copy(list, a.Notifications)
		unread := 0
		for _, n := range list {
			if !n.Read {
				unread++
			}
		}
		state.Notifications = list
		state.UnreadCount = unread
		return state

	case UpdateSettings:
		settings := make(map[string]any, len(state.Settings)+len(a.Settings))
		for k, v := range state.Settings {
			settings[k] = v
		}
		for k, v := range a.Settings {
			settings[k] = v
		}
		state.Settings = settings
		return state

	case SetUnread:
		state.UnreadCount = clampZero(a.Count)
		return state

	case ConnectionFailed:
		state.IsConnected = false
		state.ConnectionFailed = true
		return state

	case ClearAll:
		state.Notifications = []model.Notification{}
		state.UnreadCount = 0
		return state

	default:
		return state
	}
}

func mergeNotification(current model.Notification, patch model.Notification) model.Notification {
	if patch.Title != "" {
		current.Title = patch.Title
	}
	if patch.Message != "" {
		current.Message = patch.Message
	}
	if patch.Type != "" {
		current.Type = patch.Type
	}
	if patch.Priority != "" {
		current.Priority = patch.Priority
	}
	if patch.Read {
		current.Read = true
	}
	if !patch.Timestamp.IsZero() {
		current.Timestamp = patch.Timestamp
	}
	if patch.Sender != nil {
		current.Sender = patch.Sender
	}
	if patch.ExtraData != nil {
		current.ExtraData = patch.ExtraData
	}
	return current
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"civitas-client/internal/gateway"
	"civitas-client/internal/model"
	"civitas-client/internal/realtime"
)

// Store wraps the reducer with serialized dispatch, subscriber callbacks
// and the side-effecting operations that go through the HTTP gateway. A
// failed server mutation leaves local state untouched so the two never
// diverge.
type Store struct {
	gw        *gateway.Gateway
	transport *realtime.Transport
	pageSize  int

	mu    sync.Mutex
	state State
	subs  map[string]func(State)

	removeListener func()
}

func NewStore(gw *gateway.Gateway, transport *realtime.Transport, pageSize int) *Store {
	if pageSize <= 0 {
		pageSize = 50
	}

	return &Store{
		gw:        gw,
		transport: transport,
		pageSize:  pageSize,
		state:     initialState(),
		subs:      map[string]func(State){},
	}
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers a change callback and returns its removal func. The
// callback fires after every dispatch with the new state.
func (s *Store) Subscribe(fn func(State)) func() {
	id := uuid.NewString()

	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Start loads one page of history so the list is not empty during the
// websocket handshake, then opens the realtime transport.
func (s *Store) Start(ctx context.Context) error {
	err := s.LoadHistory(ctx)
	s.removeListener = s.transport.AddListener(s.handleRealtime)
	s.transport.Connect(nil)
	return err
}

// Stop disconnects the transport and resets to the initial state. Used on
// de-authentication.
func (s *Store) Stop() {
	if s.removeListener != nil {
		s.removeListener()
		s.removeListener = nil
	}
	s.transport.Disconnect()
	s.Reset()
}

func (s *Store) Reset() {
	s.mu.Lock()
	s.state = initialState()
	subs := s.subscribersLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// LoadHistory fetches one bounded page and replaces the list with it. The
// server-side unread count wins over the page-derived one since unread
// records may live beyond the page.
func (s *Store) LoadHistory(ctx context.Context) error {
	page, err := s.gw.Notifications(ctx, s.pageSize)
	if err != nil {
		slog.Error("failed to load notification history", "error", err)
		return err
	}

	s.Dispatch(ReplaceAll{Notifications: page.Notifications})
	if page.UnreadCount > 0 {
		s.Dispatch(SetUnread{Count: page.UnreadCount})
	}
	return nil
}

func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	if err := s.gw.MarkNotificationRead(ctx, id); err != nil {
		slog.Error("failed to mark notification read", "id", id, "error", err)
		return err
	}

	s.Dispatch(MarkRead{ID: id})
	return nil
}

func (s *Store) MarkAllAsRead(ctx context.Context) error {
	if err := s.gw.MarkAllNotificationsRead(ctx); err != nil {
		slog.Error("failed to mark all notifications read", "error", err)
		return err
	}

	s.Dispatch(MarkAllRead{})
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.gw.DeleteNotification(ctx, id); err != nil {
		slog.Error("failed to delete notification", "id", id, "error", err)
		return err
	}

	s.Dispatch(Remove{ID: id})
	return nil
}

func (s *Store) UpdateSettings(ctx context.Context, settings map[string]any) error {
	updated, err := s.gw.UpdateNotificationSettings(ctx, settings)
	if err != nil {
		slog.Error("failed to update notification settings", "error", err)
		return err
	}

	s.Dispatch(UpdateSettings{Settings: updated})
	return nil
}

// Dispatch applies one action atomically and notifies subscribers.
func (s *Store) Dispatch(action Action) {
	s.mu.Lock()
	s.state = Reduce(s.state, action)
	subs := s.subscribersLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// handleRealtime maps inbound transport messages onto reducer actions.
func (s *Store) handleRealtime(msg realtime.Message) {
	switch {
	case msg.Type == "connection_established":
		s.Dispatch(ConnectionStatus{Connected: true})

	case msg.Type == "connection_closed" || msg.Type == "connection_error":
		s.Dispatch(ConnectionStatus{Connected: false})

	case msg.Type == "connection_failed":
		s.Dispatch(ConnectionFailed{})

	case msg.Type == "notification_read":
		var payload struct {
			NotificationID string `json:"notification_id"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.NotificationID == "" {
			slog.Warn("discarding malformed notification_read frame", "error", err)
			return
		}
		s.Dispatch(MarkRead{ID: payload.NotificationID})

	case msg.Type == "notifications_history":
		var payload struct {
			Notifications []model.Notification `json:"notifications"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			slog.Warn("discarding malformed notifications_history frame", "error", err)
			return
		}
		s.Dispatch(ReplaceAll{Notifications: payload.Notifications})

	case msg.Type == "unread_count":
		var payload struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			slog.Warn("discarding malformed unread_count frame", "error", err)
			return
		}
		s.Dispatch(SetUnread{Count: payload.Count})

	case msg.Type == "notification" || strings.HasPrefix(msg.Type, "notification_"):
		var payload struct {
			Notification model.Notification `json:"notification"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Notification.ID == "" {
			slog.Warn("discarding malformed notification frame", "type", msg.Type, "error", err)
			return
		}
		s.Dispatch(Add{Notification: payload.Notification})

	case msg.Type == "token_renewed":
		// Handled by the gateway/signal path; nothing to do here.

	default:
		slog.Debug("ignoring realtime frame", "type", msg.Type)
	}
}

func (s *Store) snapshotLocked() State {
	snapshot := s.state
	snapshot.Notifications = make([]model.Notification, len(s.state.Notifications))
	copy(snapshot.Notifications, s.state.Notifications)
	return snapshot
}

func (s *Store) subscribersLocked() []func(State) {
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

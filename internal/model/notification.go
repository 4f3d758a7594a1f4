package model

import (
	"encoding/json"
	"time"
)

// Sender identifies the user a notification originates from, when any.
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

type Notification struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      string         `json:"notification_type"`
	Priority  string         `json:"priority,omitempty"`
	Read      bool           `json:"read"`
	Timestamp time.Time      `json:"timestamp"`
	Sender    *Sender        `json:"sender,omitempty"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

// NotificationPage is one bounded page of notification history as returned
// by the REST endpoint. UnreadCount covers the whole account, not just the
// page.
type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
	Total         int            `json:"total,omitempty"`
}

// ConnectionState is the realtime link status as seen by consumers.
// IsConnected and IsConnecting are never simultaneously true.
type ConnectionState struct {
	IsConnected       bool `json:"is_connected"`
	IsConnecting      bool `json:"is_connecting"`
	ConnectionFailed  bool `json:"connection_failed"`
	ReconnectAttempts int  `json:"reconnect_attempts"`
}

// APIResponse is the backend's JSON envelope.
type APIResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the structured error the backend attaches to failed
// responses. RedirectTo is the optional post-login redirect hint on
// session-expiry errors.
type ErrorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

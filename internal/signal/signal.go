package signal

import "time"

// Session-level signals raised by the HTTP gateway and the realtime
// transport and consumed by the session controller (and the transport
// itself, for token.renewed). They replace any-to-many global event
// broadcasting with an explicit subscription interface.
type Type string

const (
	TypeSessionExpired   Type = "session.expired"
	TypeAccountSuspended Type = "account.suspended"
	TypeTokenRenewed     Type = "token.renewed"
	TypeConnectionFailed Type = "connection.failed"
	TypeAuthRequired     Type = "auth.required"
)

type Signal struct {
	Type       Type      `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	RedirectTo string    `json:"redirect_to,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func New(t Type, reason string) Signal {
	return Signal{Type: t, Reason: reason, Timestamp: time.Now().UTC()}
}

type Bus interface {
	Publish(s Signal)
	Subscribe() (<-chan Signal, func()) // Returns channel and unsubscribe function
}

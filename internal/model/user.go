package model

import "time"

// UserSnapshot is the denormalized current-user record fetched at login and
// refresh time. It is not kept in sync incrementally; callers must request a
// refresh explicitly.
type UserSnapshot struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// LoginResult carries the outcome of a login call. VerificationRequired set
// means the account exists but still awaits email verification; it is a valid
// outcome, not a failure.
type LoginResult struct {
	TokenPair
	User                 *UserSnapshot `json:"user,omitempty"`
	VerificationRequired bool          `json:"verification_required,omitempty"`
}

// SuspensionDetail is the structured payload attached to an
// ACCOUNT_SUSPENDED response. It is persisted for later display.
type SuspensionDetail struct {
	Reason    string     `json:"reason"`
	Message   string     `json:"message,omitempty"`
	Until     *time.Time `json:"until,omitempty"`
	ContactAt string     `json:"contact_at,omitempty"`
}

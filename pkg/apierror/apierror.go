package apierror

import (
	"errors"
	"fmt"
)

// Machine codes the backend uses to classify auth outcomes. The gateway
// switches on these to decide between retry, forced logout and suspension.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeSessionExpired   = "SESSION_EXPIRED"
	CodeSessionInvalid   = "SESSION_INVALID"
	CodeAccountSuspended = "ACCOUNT_SUSPENDED"
)

type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}

	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code string, message string, details string, status int) *APIError {
	return &APIError{Code: code, Message: message, Details: details, HTTPStatus: status}
}

// As unwraps err into an *APIError when possible.
func As(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// HasCode reports whether err is an *APIError carrying the given machine code.
func HasCode(err error, code string) bool {
	apiErr, ok := As(err)
	return ok && apiErr.Code == code
}

// IsSessionInvalid reports whether the backend declared the current session
// unusable. Both codes are terminal for the session.
func IsSessionInvalid(err error) bool {
	return HasCode(err, CodeSessionExpired) || HasCode(err, CodeSessionInvalid)
}

func IsSuspension(err error) bool {
	return HasCode(err, CodeAccountSuspended)
}

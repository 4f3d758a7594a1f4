// Package token owns the access/refresh credential pair and the cached
// user snapshot. It is a pure storage boundary: no network calls originate
// here.
package token

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"civitas-client/internal/model"
	"civitas-client/internal/storage"
)

// Fixed keys in the client's durable local persistence.
const (
	accessTokenKey      = "access_token"
	refreshTokenKey     = "refresh_token"
	userSnapshotKey     = "auth_user"
	settingsKey         = "notification_settings"
	suspensionDetailKey = "suspension_detail"
)

type Store struct {
	storage *storage.Store
}

func NewStore(st *storage.Store) *Store {
	return &Store{storage: st}
}

func (s *Store) GetAccess() string {
	return s.storage.GetString(accessTokenKey)
}

func (s *Store) GetRefresh() string {
	return s.storage.GetString(refreshTokenKey)
}

// Set persists the access token unconditionally and the refresh token only
// when provided; silent-renewal responses may omit it.
func (s *Store) Set(access string, refresh string) error {
	if err := s.storage.Set(accessTokenKey, access); err != nil {
		return err
	}

	if refresh == "" {
		return nil
	}

	return s.storage.Set(refreshTokenKey, refresh)
}

// Clear removes both credentials and the cached user snapshot. Idempotent.
func (s *Store) Clear() error {
	return s.storage.Delete(accessTokenKey, refreshTokenKey, userSnapshotKey)
}

// SetRemember controls whether credentials outlive the process. With
// remember off, writes stay in memory only.
func (s *Store) SetRemember(remember bool) {
	s.storage.SetEphemeral(!remember)
}

// IsExpired reports whether the token's embedded expiry claim has passed.
// The claim is decoded without signature verification; the token is an
// opaque capability and the server stays authoritative. Any decode failure
// counts as expired.
func (s *Store) IsExpired(tokenString string) bool {
	claims := s.decodeClaims(tokenString)
	if claims == nil {
		return true
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}

	return !time.Now().Before(exp.Time)
}

// SessionID extracts the session identifier claim embedded in the token.
func (s *Store) SessionID(tokenString string) string {
	claims := s.decodeClaims(tokenString)
	if claims == nil {
		return ""
	}

	sessionID, _ := claims["session_id"].(string)
	return sessionID
}

func (s *Store) decodeClaims(tokenString string) jwt.MapClaims {
	if tokenString == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil
	}

	return claims
}

func (s *Store) User() *model.UserSnapshot {
	var user model.UserSnapshot
	if !s.storage.GetJSON(userSnapshotKey, &user) {
		return nil
	}

	return &user
}

func (s *Store) SetUser(user *model.UserSnapshot) error {
	return s.storage.Set(userSnapshotKey, user)
}

func (s *Store) Settings() map[string]any {
	var settings map[string]any
	if !s.storage.GetJSON(settingsKey, &settings) {
		return nil
	}

	return settings
}

func (s *Store) SetSettings(settings map[string]any) error {
	return s.storage.Set(settingsKey, settings)
}

func (s *Store) Suspension() *model.SuspensionDetail {
	var detail model.SuspensionDetail
	if !s.storage.GetJSON(suspensionDetailKey, &detail) {
		return nil
	}

	return &detail
}

func (s *Store) SetSuspensionRaw(raw json.RawMessage) error {
	return s.storage.SetRaw(suspensionDetailKey, raw)
}

// Package session orchestrates the login/logout/refresh lifecycle and
// reacts to session-expired and account-suspended signals raised by the
// HTTP gateway or the realtime transport.
package session

import (
	"context"
	"log/slog"
	"sync"

	"civitas-client/internal/gateway"
	"civitas-client/internal/model"
	"civitas-client/internal/notify"
	"civitas-client/internal/realtime"
	"civitas-client/internal/signal"
	"civitas-client/internal/token"
)

type Controller struct {
	gw            *gateway.Gateway
	tokens        *token.Store
	transport     *realtime.Transport
	notifications *notify.Store

	mu            sync.RWMutex
	user          *model.UserSnapshot
	authenticated bool

	unsubscribe func()
}

func NewController(gw *gateway.Gateway, tokens *token.Store, transport *realtime.Transport, notifications *notify.Store, bus signal.Bus) *Controller {
	c := &Controller{
		gw:            gw,
		tokens:        tokens,
		transport:     transport,
		notifications: notifications,
	}

	transport.SetRefreshFunc(c.RefreshSession)

	// Restore a previous session from durable storage when the cached
	// access token is still valid.
	if access := tokens.GetAccess(); access != "" && !tokens.IsExpired(access) {
		c.user = tokens.User()
		c.authenticated = true
	}

	signals, unsubscribe := bus.Subscribe()
	c.unsubscribe = unsubscribe
	go func() {
		for s := range signals {
			switch s.Type {
			case signal.TypeSessionExpired:
				slog.Warn("session expired", "reason", s.Reason, "redirect_to", s.RedirectTo)
				c.forceLogout()
			case signal.TypeAccountSuspended:
				// Suspension detail is already persisted by the gateway for
				// later display.
				slog.Warn("account suspended", "reason", s.Reason)
				c.forceLogout()
			}
		}
	}()

	return c
}

// Login authenticates, populates the token store and fetches the full user
// snapshot. A verification_required outcome is returned as-is; it is not a
// failure.
func (c *Controller) Login(ctx context.Context, identifier string, password string, rememberMe bool) (*model.LoginResult, error) {
	c.tokens.SetRemember(rememberMe)

	result, err := c.gw.Login(ctx, identifier, password, rememberMe)
	if err != nil {
		return nil, err
	}

	if result.AccessToken != "" {
		if err := c.tokens.Set(result.AccessToken, result.RefreshToken); err != nil {
			return nil, err
		}
	}

	if result.VerificationRequired {
		return result, nil
	}

	user, err := c.gw.Me(ctx)
	if err != nil {
		slog.Warn("failed to fetch user snapshot after login", "error", err)
		user = result.User
	}
	if user != nil {
		if err := c.tokens.SetUser(user); err != nil {
			slog.Warn("failed to cache user snapshot", "error", err)
		}
	}

	c.mu.Lock()
	c.user = user
	c.authenticated = true
	c.mu.Unlock()

	return result, nil
}

// Logout always leaves the client logged out, even when the server-side
// invalidation call fails.
func (c *Controller) Logout(ctx context.Context) {
	c.notifications.Stop()

	if refresh := c.tokens.GetRefresh(); refresh != "" {
		if err := c.gw.Logout(ctx, refresh); err != nil {
			slog.Warn("server-side logout failed", "error", err)
		}
	}

	if err := c.tokens.Clear(); err != nil {
		slog.Error("failed to clear credentials", "error", err)
	}

	c.mu.Lock()
	c.user = nil
	c.authenticated = false
	c.mu.Unlock()
}

// RefreshSession exchanges the stored refresh token for a new credential
// pair and refetches the user snapshot.
func (c *Controller) RefreshSession(ctx context.Context) error {
	pair, err := c.gw.Refresh(ctx, c.tokens.GetRefresh())
	if err != nil {
		return err
	}

	if err := c.tokens.Set(pair.AccessToken, pair.RefreshToken); err != nil {
		return err
	}

	user, err := c.gw.Me(ctx)
	if err != nil {
		slog.Warn("failed to refresh user snapshot", "error", err)
		return nil
	}

	if err := c.tokens.SetUser(user); err != nil {
		slog.Warn("failed to cache user snapshot", "error", err)
	}

	c.mu.Lock()
	c.user = user
	c.authenticated = true
	c.mu.Unlock()

	return nil
}

func (c *Controller) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Controller) CurrentUser() *model.UserSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Suspension returns the persisted suspension detail, if any.
func (c *Controller) Suspension() *model.SuspensionDetail {
	return c.tokens.Suspension()
}

func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// forceLogout drives the client to a clean unauthenticated state after a
// terminal session signal. The token store is usually already cleared by
// the gateway; clearing again is harmless.
func (c *Controller) forceLogout() {
	c.notifications.Stop()

	if err := c.tokens.Clear(); err != nil {
		slog.Error("failed to clear credentials", "error", err)
	}

	c.mu.Lock()
	c.user = nil
	c.authenticated = false
	c.mu.Unlock()
}

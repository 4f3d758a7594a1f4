package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"civitas-client/internal/model"
)

// Typed wrappers over the auth and notification endpoints the core needs.
// The post/comment/admin CRUD surface is intentionally absent.

func (g *Gateway) Login(ctx context.Context, identifier string, password string, rememberMe bool) (*model.LoginResult, error) {
	body := map[string]any{
		"identifier":  identifier,
		"password":    password,
		"remember_me": rememberMe,
	}

	var result model.LoginResult
	if err := g.Do(ctx, http.MethodPost, "/api/v1/auth/login", body, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (g *Gateway) Logout(ctx context.Context, refreshToken string) error {
	body := map[string]string{"refresh_token": refreshToken}
	return g.Do(ctx, http.MethodPost, "/api/v1/auth/logout", body, nil)
}

func (g *Gateway) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	body := map[string]string{"refresh_token": refreshToken}

	var pair model.TokenPair
	if err := g.Do(ctx, http.MethodPost, "/api/v1/auth/refresh", body, &pair); err != nil {
		return nil, err
	}

	return &pair, nil
}

func (g *Gateway) Me(ctx context.Context) (*model.UserSnapshot, error) {
	var user model.UserSnapshot
	if err := g.Do(ctx, http.MethodGet, "/api/v1/auth/me", nil, &user); err != nil {
		return nil, err
	}

	return &user, nil
}

func (g *Gateway) Notifications(ctx context.Context, limit int) (*model.NotificationPage, error) {
	path := "/api/v1/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var page model.NotificationPage
	if err := g.Do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

func (g *Gateway) MarkNotificationRead(ctx context.Context, id string) error {
	return g.Do(ctx, http.MethodPost, "/api/v1/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (g *Gateway) MarkAllNotificationsRead(ctx context.Context) error {
	return g.Do(ctx, http.MethodPost, "/api/v1/notifications/read-all", nil, nil)
}

func (g *Gateway) DeleteNotification(ctx context.Context, id string) error {
	return g.Do(ctx, http.MethodDelete, "/api/v1/notifications/"+url.PathEscape(id), nil, nil)
}

func (g *Gateway) UpdateNotificationSettings(ctx context.Context, settings map[string]any) (map[string]any, error) {
	var updated map[string]any
	if err := g.Do(ctx, http.MethodPut, "/api/v1/notifications/settings", settings, &updated); err != nil {
		return nil, err
	}

	return updated, nil
}

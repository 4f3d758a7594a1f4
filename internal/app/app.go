// Package app wires the client's components together: local storage,
// token store, signal bus, HTTP gateway, realtime transport, notification
// store and session controller, constructed once and passed by explicit
// reference.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"civitas-client/internal/config"
	"civitas-client/internal/gateway"
	"civitas-client/internal/notify"
	"civitas-client/internal/realtime"
	sessionpkg "civitas-client/internal/session"
	sigbus "civitas-client/internal/signal"
	"civitas-client/internal/storage"
	"civitas-client/internal/token"
)

type App struct {
	cfg           *config.Config
	Tokens        *token.Store
	Gateway       *gateway.Gateway
	Transport     *realtime.Transport
	Notifications *notify.Store
	Session       *sessionpkg.Controller
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := storage.Open(cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}

	tokens := token.NewStore(store)
	bus := sigbus.NewBus()
	gw := gateway.New(cfg.APIBaseURL, cfg.HTTPTimeout, tokens, bus)
	transport := realtime.New(realtime.Options{
		URL:                  cfg.RealtimeURL,
		ConnectTimeout:       cfg.ConnectTimeout,
		PingInterval:         cfg.PingInterval,
		ReconnectBase:        cfg.ReconnectBase,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		AuthFailureThreshold: cfg.AuthFailureThreshold,
	}, tokens, bus)
	notifications := notify.NewStore(gw, transport, cfg.HistoryPageSize)
	controller := sessionpkg.NewController(gw, tokens, transport, notifications, bus)

	return &App{
		cfg:           cfg,
		Tokens:        tokens,
		Gateway:       gw,
		Transport:     transport,
		Notifications: notifications,
		Session:       controller,
	}, nil
}

// Run logs in when credentials are configured, starts the notification
// pipeline and streams state changes to the log until interrupted.
func (a *App) Run() error {
	defer a.Transport.Close()
	defer a.Session.Close()

	ctx := context.Background()

	if !a.Session.IsAuthenticated() {
		if a.cfg.LoginIdentifier == "" {
			return fmt.Errorf("no cached session and LOGIN_IDENTIFIER is not set")
		}

		result, err := a.Session.Login(ctx, a.cfg.LoginIdentifier, a.cfg.LoginPassword, a.cfg.RememberMe)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if result.VerificationRequired {
			slog.Warn("login accepted but email verification is pending")
			return nil
		}
	}

	if user := a.Session.CurrentUser(); user != nil {
		slog.Info("authenticated", "username", user.Username, "role", user.Role)
	}

	unsubscribe := a.Notifications.Subscribe(func(state notify.State) {
		slog.Info("notification state changed",
			"total", len(state.Notifications),
			"unread", state.UnreadCount,
			"connected", state.IsConnected,
			"failed", state.ConnectionFailed)
	})
	defer unsubscribe()

	if err := a.Notifications.Start(ctx); err != nil {
		slog.Warn("notification history unavailable", "error", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	a.Notifications.Stop()
	return nil
}

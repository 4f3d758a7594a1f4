//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"civitas-client/internal/gateway"
	"civitas-client/internal/model"
	"civitas-client/internal/notify"
	"civitas-client/internal/realtime"
	sessionpkg "civitas-client/internal/session"
	sigbus "civitas-client/internal/signal"
	"civitas-client/internal/storage"
	"civitas-client/internal/token"
	"civitas-client/pkg/apierror"
)

const (
	testUsername = "ada"
	testPassword = "secret123"
)

// backend is a minimal stand-in for the platform's REST and websocket
// surface, just enough to exercise the client pipeline end to end.
type backend struct {
	t       *testing.T
	secret  []byte
	pwdHash []byte
	server  *httptest.Server

	mu            sync.Mutex
	notifications []model.Notification
	conns         []*websocket.Conn
	rotateNext    bool
	expireNext    bool
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newBackend(t *testing.T) *backend {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	b := &backend{t: t, secret: []byte("integration-secret"), pwdHash: hash}

	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Post("/api/v1/auth/login", b.handleLogin)
	r.Post("/api/v1/auth/refresh", b.handleRefresh)
	r.Post("/api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(b.requireAuth)
		r.Get("/api/v1/auth/me", b.handleMe)
		r.Get("/api/v1/notifications", b.handleNotifications)
		r.Post("/api/v1/notifications/read-all", b.handleReadAll)
		r.Post("/api/v1/notifications/{id}/read", b.handleReadOne)
		r.Delete("/api/v1/notifications/{id}", b.handleDelete)
		r.Put("/api/v1/notifications/settings", b.handleSettings)
	})

	r.Get("/ws/notifications", b.handleWS)

	b.server = httptest.NewServer(r)
	t.Cleanup(b.close)
	return b
}

func (b *backend) close() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	b.server.Close()
}

func (b *backend) url() string {
	return b.server.URL
}

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws/notifications"
}

func (b *backend) issueToken(ttl time.Duration, typ string) string {
	claims := jwt.MapClaims{
		"sub":        "u1",
		"username":   testUsername,
		"typ":        typ,
		"session_id": "sess-" + uuid.NewString(),
		"iat":        time.Now().Unix(),
		"exp":        time.Now().Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	require.NoError(b.t, err)
	return signed
}

func (b *backend) validToken(raw string) bool {
	parsed, err := jwt.Parse(raw, func(tok *jwt.Token) (any, error) { return b.secret, nil })
	return err == nil && parsed.Valid
}

func writeData(w http.ResponseWriter, status int, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{Success: status < 400, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: false,
		Error:   &model.ErrorBody{Code: code, Message: message},
	})
}

func (b *backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, apierror.CodeBadRequest, "malformed body")
		return
	}

	if body.Identifier != testUsername || bcrypt.CompareHashAndPassword(b.pwdHash, []byte(body.Password)) != nil {
		writeError(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "invalid credentials")
		return
	}

	writeData(w, http.StatusOK, model.LoginResult{
		TokenPair: model.TokenPair{
			AccessToken:  b.issueToken(15*time.Minute, "access"),
			RefreshToken: b.issueToken(24*time.Hour, "refresh"),
			TokenType:    "Bearer",
		},
		User: &model.UserSnapshot{ID: "u1", Username: testUsername, Role: "resident"},
	})
}

func (b *backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !b.validToken(body.RefreshToken) {
		writeError(w, http.StatusUnauthorized, apierror.CodeSessionInvalid, "refresh token rejected")
		return
	}

	writeData(w, http.StatusOK, model.TokenPair{
		AccessToken:  b.issueToken(15*time.Minute, "access"),
		RefreshToken: b.issueToken(24*time.Hour, "refresh"),
	})
}

func (b *backend) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || !b.validToken(header[7:]) {
			writeError(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "missing or invalid token")
			return
		}

		b.mu.Lock()
		rotate := b.rotateNext
		expire := b.expireNext
		b.rotateNext = false
		b.expireNext = false
		b.mu.Unlock()

		if expire {
			writeError(w, http.StatusUnauthorized, apierror.CodeSessionExpired, "session expired")
			return
		}

		if rotate {
			w.Header().Set("X-New-Access-Token", b.issueToken(15*time.Minute, "access"))
			w.Header().Set("X-New-Refresh-Token", b.issueToken(24*time.Hour, "refresh"))
		}

		next.ServeHTTP(w, r)
	})
}

func (b *backend) handleMe(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, model.UserSnapshot{ID: "u1", Username: testUsername, Role: "resident"})
}

func (b *backend) handleNotifications(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	unread := 0
	for _, n := range b.notifications {
		if !n.Read {
			unread++
		}
	}

	writeData(w, http.StatusOK, model.NotificationPage{
		Notifications: b.notifications,
		UnreadCount:   unread,
		Total:         len(b.notifications),
	})
}

func (b *backend) handleReadOne(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.notifications {
		if b.notifications[i].ID == id {
			b.notifications[i].Read = true
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	writeError(w, http.StatusNotFound, apierror.CodeNotFound, "no such notification")
}

func (b *backend) handleReadAll(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.notifications {
		b.notifications[i].Read = true
	}
	w.WriteHeader(http.StatusOK)
}

func (b *backend) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.notifications[:0]
	for _, n := range b.notifications {
		if n.ID != id {
			kept = append(kept, n)
		}
	}
	b.notifications = kept
	w.WriteHeader(http.StatusOK)
}

func (b *backend) handleSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, apierror.CodeBadRequest, "malformed body")
		return
	}
	writeData(w, http.StatusOK, settings)
}

func (b *backend) handleWS(w http.ResponseWriter, r *http.Request) {
	if !b.validToken(r.URL.Query().Get("token")) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	frame, _ := json.Marshal(map[string]string{"type": "connection_established"})
	_ = conn.WriteMessage(websocket.TextMessage, frame)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]string
			if json.Unmarshal(data, &msg) == nil && msg["type"] == "ping" {
				pong, _ := json.Marshal(map[string]string{"type": "pong"})
				_ = conn.WriteMessage(websocket.TextMessage, pong)
			}
		}
	}()
}

// push stores a notification and broadcasts it on every open socket.
func (b *backend) push(n model.Notification) {
	b.mu.Lock()
	b.notifications = append([]model.Notification{n}, b.notifications...)
	conns := append([]*websocket.Conn(nil), b.conns...)
	b.mu.Unlock()

	frame, _ := json.Marshal(map[string]any{"type": "notification", "notification": n})
	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
}

// client bundles a fully wired client stack against the fake backend.
type client struct {
	tokens        *token.Store
	bus           *sigbus.InMemoryBus
	gateway       *gateway.Gateway
	transport     *realtime.Transport
	notifications *notify.Store
	session       *sessionpkg.Controller
}

func newClient(t *testing.T, b *backend) *client {
	t.Helper()

	st, err := storage.Open(filepath.Join(t.TempDir(), "client.json"))
	require.NoError(t, err)

	tokens := token.NewStore(st)
	bus := sigbus.NewBus()
	gw := gateway.New(b.url(), 5*time.Second, tokens, bus)
	transport := realtime.New(realtime.Options{
		URL:                  b.wsURL(),
		ConnectTimeout:       2 * time.Second,
		PingInterval:         time.Minute,
		ReconnectBase:        10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		AuthFailureThreshold: 3,
	}, tokens, bus)
	t.Cleanup(transport.Close)

	notifications := notify.NewStore(gw, transport, 50)
	controller := sessionpkg.NewController(gw, tokens, transport, notifications, bus)
	t.Cleanup(controller.Close)

	return &client{
		tokens:        tokens,
		bus:           bus,
		gateway:       gw,
		transport:     transport,
		notifications: notifications,
		session:       controller,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

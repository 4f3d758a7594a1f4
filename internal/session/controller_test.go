package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civitas-client/internal/gateway"
	"civitas-client/internal/model"
	"civitas-client/internal/notify"
	"civitas-client/internal/realtime"
	"civitas-client/internal/signal"
	"civitas-client/internal/storage"
	"civitas-client/internal/token"
)

type fixture struct {
	controller *Controller
	tokens     *token.Store
	bus        *signal.InMemoryBus
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()

	st, err := storage.Open(filepath.Join(t.TempDir(), "client.json"))
	require.NoError(t, err)
	tokens := token.NewStore(st)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	bus := signal.NewBus()
	gw := gateway.New(server.URL, 5*time.Second, tokens, bus)
	transport := realtime.New(realtime.Options{URL: "ws://127.0.0.1:0"}, tokens, bus)
	t.Cleanup(transport.Close)
	notifications := notify.NewStore(gw, transport, 50)

	controller := NewController(gw, tokens, transport, notifications, bus)
	t.Cleanup(controller.Close)

	return &fixture{controller: controller, tokens: tokens, bus: bus}
}

func respond(w http.ResponseWriter, status int, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{Success: status < 400, Data: raw})
}

func authBackend() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, model.LoginResult{
			TokenPair: model.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"},
			User:      &model.UserSnapshot{ID: "u1", Username: "ada"},
		})
	})
	mux.HandleFunc("/api/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, model.UserSnapshot{ID: "u1", Username: "ada", Role: "resident"})
	})
	mux.HandleFunc("/api/v1/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	return mux
}

func TestLoginPopulatesTokensAndSnapshot(t *testing.T) {
	f := newFixture(t, authBackend())

	result, err := f.controller.Login(context.Background(), "ada", "secret", true)
	require.NoError(t, err)
	assert.False(t, result.VerificationRequired)

	assert.True(t, f.controller.IsAuthenticated())
	assert.Equal(t, "access-1", f.tokens.GetAccess())
	assert.Equal(t, "refresh-1", f.tokens.GetRefresh())

	user := f.controller.CurrentUser()
	require.NotNil(t, user)
	assert.Equal(t, "resident", user.Role)
	require.NotNil(t, f.tokens.User())
}

func TestLoginSurfacesVerificationRequired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusOK, model.LoginResult{VerificationRequired: true})
	})
	f := newFixture(t, mux)

	result, err := f.controller.Login(context.Background(), "ada", "secret", true)
	require.NoError(t, err)

	// Pending verification is a valid outcome, not a failure, but it does
	// not authenticate the client.
	assert.True(t, result.VerificationRequired)
	assert.False(t, f.controller.IsAuthenticated())
}

func TestLogoutAlwaysLeavesClientLoggedOut(t *testing.T) {
	f := newFixture(t, authBackend())

	_, err := f.controller.Login(context.Background(), "ada", "secret", true)
	require.NoError(t, err)

	// The backend's logout endpoint fails; the client logs out regardless.
	f.controller.Logout(context.Background())

	assert.False(t, f.controller.IsAuthenticated())
	assert.Equal(t, "", f.tokens.GetAccess())
	assert.Equal(t, "", f.tokens.GetRefresh())
	assert.Nil(t, f.controller.CurrentUser())
}

func TestSessionExpiredSignalForcesLogout(t *testing.T) {
	f := newFixture(t, authBackend())

	_, err := f.controller.Login(context.Background(), "ada", "secret", true)
	require.NoError(t, err)
	require.True(t, f.controller.IsAuthenticated())

	f.bus.Publish(signal.New(signal.TypeSessionExpired, "server said so"))

	deadline := time.Now().Add(2 * time.Second)
	for f.controller.IsAuthenticated() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	assert.False(t, f.controller.IsAuthenticated())
	assert.Equal(t, "", f.tokens.GetAccess())
}

func TestAccountSuspendedSignalForcesLogoutKeepingDetail(t *testing.T) {
	f := newFixture(t, authBackend())

	_, err := f.controller.Login(context.Background(), "ada", "secret", true)
	require.NoError(t, err)

	require.NoError(t, f.tokens.SetSuspensionRaw([]byte(`{"reason":"abuse"}`)))
	f.bus.Publish(signal.New(signal.TypeAccountSuspended, "suspended"))

	deadline := time.Now().Add(2 * time.Second)
	for f.controller.IsAuthenticated() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	assert.False(t, f.controller.IsAuthenticated())
	require.NotNil(t, f.controller.Suspension())
	assert.Equal(t, "abuse", f.controller.Suspension().Reason)
}

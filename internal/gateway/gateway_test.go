package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civitas-client/internal/model"
	"civitas-client/internal/signal"
	"civitas-client/internal/storage"
	"civitas-client/internal/token"
	"civitas-client/pkg/apierror"
)

func newTestGateway(t *testing.T, handler http.Handler) (*Gateway, *token.Store, <-chan signal.Signal, func()) {
	t.Helper()

	st, err := storage.Open(filepath.Join(t.TempDir(), "client.json"))
	require.NoError(t, err)
	tokens := token.NewStore(st)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	bus := signal.NewBus()
	signals, unsubscribe := bus.Subscribe()
	t.Cleanup(unsubscribe)

	return New(server.URL, 5*time.Second, tokens, bus), tokens, signals, server.Close
}

func writeEnvelope(w http.ResponseWriter, status int, envelope model.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}

func errorEnvelope(code string, message string) model.APIResponse {
	return model.APIResponse{Success: false, Error: &model.ErrorBody{Code: code, Message: message}}
}

func expectSignal(t *testing.T, signals <-chan signal.Signal, want signal.Type) signal.Signal {
	t.Helper()

	select {
	case s := <-signals:
		require.Equal(t, want, s.Type)
		return s
	case <-time.After(time.Second):
		t.Fatalf("no %s signal received", want)
		return signal.Signal{}
	}
}

func TestDoAttachesBearerWhenTokenPresent(t *testing.T) {
	var sawAuth atomic.Value
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store(r.Header.Get("Authorization"))
		data, _ := json.Marshal(map[string]string{"ok": "yes"})
		writeEnvelope(w, http.StatusOK, model.APIResponse{Success: true, Data: data})
	})

	gw, tokens, _, _ := newTestGateway(t, handler)
	require.NoError(t, tokens.Set("my-access", "my-refresh"))

	var out map[string]string
	require.NoError(t, gw.Do(context.Background(), http.MethodGet, "/api/v1/ping", nil, &out))

	assert.Equal(t, "Bearer my-access", sawAuth.Load())
	assert.Equal(t, "yes", out["ok"])
}

func TestDoMultipartPreservesWriterBoundary(t *testing.T) {
	var sawContentType atomic.Value
	var sawCaption atomic.Value
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawContentType.Store(r.Header.Get("Content-Type"))
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			sawCaption.Store(r.FormValue("caption"))
		}
		writeEnvelope(w, http.StatusOK, model.APIResponse{Success: true})
	})

	gw, tokens, _, _ := newTestGateway(t, handler)
	require.NoError(t, tokens.Set("my-access", ""))

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("caption", "park cleanup"))
	part, err := writer.CreateFormFile("attachment", "flyer.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	require.NoError(t, gw.DoMultipart(context.Background(), http.MethodPost,
		"/api/v1/posts", body.Bytes(), writer.FormDataContentType(), nil))

	// The writer's boundary-bearing content type must reach the server
	// unmodified, or the form cannot be parsed.
	contentType, _ := sawContentType.Load().(string)
	assert.Equal(t, writer.FormDataContentType(), contentType)
	assert.Contains(t, contentType, "boundary=")
	assert.Equal(t, "park cleanup", sawCaption.Load())
}

func TestRotationHeadersAreTransparent(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-New-Access-Token", "rotated-access")
			w.Header().Set("X-New-Refresh-Token", "rotated-refresh")
		}
		writeEnvelope(w, http.StatusOK, model.APIResponse{Success: true})
	})

	gw, tokens, signals, _ := newTestGateway(t, handler)
	require.NoError(t, tokens.Set("old-access", "old-refresh"))

	// Identical call sequence succeeds whether or not renewal happened
	// mid-sequence; the caller sees nothing.
	require.NoError(t, gw.Do(context.Background(), http.MethodGet, "/a", nil, nil))
	require.NoError(t, gw.Do(context.Background(), http.MethodGet, "/b", nil, nil))

	assert.Equal(t, "rotated-access", tokens.GetAccess())
	assert.Equal(t, "rotated-refresh", tokens.GetRefresh())
	expectSignal(t, signals, signal.TypeTokenRenewed)
}

func TestUnauthorizedWithRotationRetriesExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	var retryAuth atomic.Value
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-New-Access-Token", "fresh-access")
			writeEnvelope(w, http.StatusUnauthorized, errorEnvelope(apierror.CodeUnauthorized, "stale token"))
			return
		}
		retryAuth.Store(r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, model.APIResponse{Success: true})
	})

	gw, tokens, _, _ := newTestGateway(t, handler)
	require.NoError(t, tokens.Set("stale-access", "refresh"))

	require.NoError(t, gw.Do(context.Background(), http.MethodGet, "/api/v1/thing", nil, nil))

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "Bearer fresh-access", retryAuth.Load())
}

func TestUnauthorizedRetryIsBounded(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Rotation headers on every failing response; without the retry
		// marker this would loop forever.
		w.Header().Set("X-New-Access-Token", "another-access")
		writeEnvelope(w, http.StatusUnauthorized, errorEnvelope(apierror.CodeUnauthorized, "still no"))
	})

	gw, tokens, signals, _ := newTestGateway(t, handler)
	require.NoError(t, tokens.Set("access", "refresh"))

	err := gw.Do(context.Background(), http.MethodGet, "/api/v1/thing", nil, nil)
	require.Error(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "", tokens.GetAccess())

	// token.renewed signals from the rotation observations may precede the
	// terminal session.expired.
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-signals:
			if s.Type == signal.TypeSessionExpired {
				return
			}
		case <-deadline:
			t.Fatal("no session.expired signal received")
		}
	}
}

func TestSessionExpiredCodeForcesLogoutWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusUnauthorized, model.APIResponse{
			Success: false,
			Error: &model.ErrorBody{
				Code:       apierror.CodeSessionExpired,
				Message:    "session expired",
				RedirectTo: "/feed",
			},
		})
	})

	gw, tokens, signals, _ := newTestGateway(t, handler)
	require.NoError(t, tokens.Set("access", "refresh"))

	err := gw.Do(context.Background(), http.MethodGet, "/api/v1/feed", nil, nil)
	require.Error(t, err)
	assert.True(t, apierror.IsSessionInvalid(err))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "", tokens.GetAccess())
	assert.Equal(t, "", tokens.GetRefresh())

	s := expectSignal(t, signals, signal.TypeSessionExpired)
	assert.Equal(t, "/feed", s.RedirectTo)
}

func TestSuspensionTakesPrecedenceAndPersistsDetail(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Rotation headers present, but suspension must win and never retry.
		w.Header().Set("X-New-Access-Token", "should-not-matter")
		detail, _ := json.Marshal(model.SuspensionDetail{Reason: "abuse", Message: "account locked"})
		writeEnvelope(w, http.StatusForbidden, model.APIResponse{
			Success: false,
			Data:    detail,
			Error:   &model.ErrorBody{Code: apierror.CodeAccountSuspended, Message: "suspended"},
		})
	})

	gw, tokens, signals, _ := newTestGateway(t, handler)
	require.NoError(t, tokens.Set("access", "refresh"))

	err := gw.Do(context.Background(), http.MethodGet, "/api/v1/feed", nil, nil)
	require.Error(t, err)
	assert.True(t, apierror.IsSuspension(err))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "", tokens.GetAccess())

	detail := tokens.Suspension()
	require.NotNil(t, detail)
	assert.Equal(t, "abuse", detail.Reason)

	// token.renewed from the rotation observation may arrive first; the
	// suspension signal must follow.
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-signals:
			if s.Type == signal.TypeAccountSuspended {
				return
			}
		case <-deadline:
			t.Fatal("no account.suspended signal received")
		}
	}
}

func TestGenericErrorsCarryMachineCode(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, errorEnvelope(apierror.CodeNotFound, "no such notification"))
	})

	gw, _, _, _ := newTestGateway(t, handler)

	err := gw.Do(context.Background(), http.MethodGet, "/api/v1/notifications/nope", nil, nil)
	require.Error(t, err)

	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.CodeNotFound, apiErr.Code)
	assert.Equal(t, http.StatusNotFound, apiErr.HTTPStatus)
}

// Package gateway is the single configured HTTP client the rest of the
// client talks through. It attaches bearer credentials, observes silently
// rotated tokens, and classifies unauthorized/forbidden responses into
// session signals so every other caller stays oblivious to token lifecycle.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"civitas-client/internal/model"
	"civitas-client/internal/signal"
	"civitas-client/internal/token"
	"civitas-client/pkg/apierror"
)

// Rotation headers carrying replacement credentials on silent renewal.
const (
	headerNewAccess  = "X-New-Access-Token"
	headerNewRefresh = "X-New-Refresh-Token"
)

type Gateway struct {
	baseURL string
	client  *http.Client
	tokens  *token.Store
	bus     signal.Bus
}

func New(baseURL string, timeout time.Duration, tokens *token.Store, bus signal.Bus) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		tokens:  tokens,
		bus:     bus,
	}
}

// Do issues a JSON request and decodes the response envelope's data field
// into out (when non-nil). Errors are *apierror.APIError for classified
// backend failures.
func (g *Gateway) Do(ctx context.Context, method string, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	contentType := ""
	if payload != nil {
		contentType = "application/json"
	}

	return g.do(ctx, method, path, payload, contentType, out, false)
}

// DoMultipart sends a prepared multipart body. The supplied content type
// already carries the writer's boundary and must not be overridden.
func (g *Gateway) DoMultipart(ctx context.Context, method string, path string, body []byte, contentType string, out any) error {
	return g.do(ctx, method, path, body, contentType, out, false)
}

func (g *Gateway) do(ctx context.Context, method string, path string, payload []byte, contentType string, out any, retried bool) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}

	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if access := g.tokens.GetAccess(); access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Silent renewal is observed on every response, success or error, and
	// never surfaces to the caller.
	rotated := g.applyRotation(resp.Header)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s %s: %w", method, path, err)
	}

	var envelope model.APIResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			envelope = model.APIResponse{}
		}
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if out != nil && envelope.Data != nil {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return fmt.Errorf("decode response %s %s: %w", method, path, err)
			}
		}
		return nil
	}

	errBody := envelope.Error
	if errBody == nil {
		errBody = &model.ErrorBody{Code: defaultCode(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		// Suspension wins over generic 403 handling and is never retried.
		if errBody.Code == apierror.CodeAccountSuspended {
			g.handleSuspension(envelope, errBody)
			return apierror.New(errBody.Code, errBody.Message, errBody.Details, resp.StatusCode)
		}

	case http.StatusUnauthorized:
		if errBody.Code == apierror.CodeSessionExpired || errBody.Code == apierror.CodeSessionInvalid {
			g.expireSession(errBody)
			return apierror.New(errBody.Code, errBody.Message, errBody.Details, resp.StatusCode)
		}

		// Renewal arriving on the failing response itself: re-attach the
		// fresh credential and retry exactly once.
		if rotated && !retried {
			return g.do(ctx, method, path, payload, contentType, out, true)
		}

		g.expireSession(errBody)
		return apierror.New(errBody.Code, errBody.Message, errBody.Details, resp.StatusCode)
	}

	return apierror.New(errBody.Code, errBody.Message, errBody.Details, resp.StatusCode)
}

func (g *Gateway) applyRotation(h http.Header) bool {
	access := h.Get(headerNewAccess)
	if access == "" {
		return false
	}

	if err := g.tokens.Set(access, h.Get(headerNewRefresh)); err != nil {
		slog.Error("failed to persist rotated credentials", "error", err)
		return false
	}

	g.bus.Publish(signal.New(signal.TypeTokenRenewed, "silent rotation"))
	return true
}

func (g *Gateway) handleSuspension(envelope model.APIResponse, errBody *model.ErrorBody) {
	detail := envelope.Data
	if detail == nil {
		detail, _ = json.Marshal(errBody)
	}
	if err := g.tokens.SetSuspensionRaw(detail); err != nil {
		slog.Error("failed to persist suspension detail", "error", err)
	}

	if err := g.tokens.Clear(); err != nil {
		slog.Error("failed to clear credentials", "error", err)
	}

	g.bus.Publish(signal.New(signal.TypeAccountSuspended, errBody.Message))
}

func (g *Gateway) expireSession(errBody *model.ErrorBody) {
	if err := g.tokens.Clear(); err != nil {
		slog.Error("failed to clear credentials", "error", err)
	}

	sig := signal.New(signal.TypeSessionExpired, errBody.Message)
	sig.RedirectTo = errBody.RedirectTo
	g.bus.Publish(sig)
}

func defaultCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return apierror.CodeBadRequest
	case http.StatusUnauthorized:
		return apierror.CodeUnauthorized
	case http.StatusForbidden:
		return apierror.CodeForbidden
	case http.StatusNotFound:
		return apierror.CodeNotFound
	default:
		return "INTERNAL"
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/logging"
	"github.com/jeranaias/hmchat/internal/model"
)

// Configuration constants.
const (
	// DefaultTimeout bounds one request, and the gap between two stream frames.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed non-streaming response body.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	userAgent = "hmchat/1.0"
)

// sharedTransport is pooled across every client in the process.
var sharedTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	TLSClientConfig: &tls.Config{
		MinVersion: tls.VersionTLS12,
	},
}

// errClientTimeout is the cancellation cause when the client's own deadline
// expires, as opposed to the caller cancelling.
var errClientTimeout = errors.New("request timed out")

// =============================================================================
// SETTINGS SOURCE
// =============================================================================

// SettingsSource supplies the current Settings. The store satisfies it.
type SettingsSource interface {
	GetSettings(ctx context.Context) (model.Settings, error)
}

// SettingsFunc adapts a function to SettingsSource.
type SettingsFunc func(ctx context.Context) (model.Settings, error)

// GetSettings calls f.
func (f SettingsFunc) GetSettings(ctx context.Context) (model.Settings, error) {
	return f(ctx)
}

// StaticSettings returns a source that always yields s.
func StaticSettings(s model.Settings) SettingsSource {
	return SettingsFunc(func(context.Context) (model.Settings, error) { return s, nil })
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to an OpenAI-compatible provider. Settings are re-read on
// every call so endpoint and credential changes apply immediately.
// It is safe for concurrent use.
type Client struct {
	settings SettingsSource
	http     *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	log      logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its own Timeout should be zero;
// deadlines are applied per request through the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request deadline and the stream idle timeout.
// Zero or negative keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per minute. Zero disables the limit.
func WithRateLimit(requestsPerMinute int) Option {
	return func(c *Client) {
		if requestsPerMinute <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a client reading its endpoint from settings.
func NewClient(settings SettingsSource, opts ...Option) *Client {
	c := &Client{
		settings: settings,
		http:     &http.Client{Transport: sharedTransport},
		timeout:  DefaultTimeout,
		log:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the configured per-request deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// IsConfigured reports whether both the endpoint URL and the credential are
// set.
func (c *Client) IsConfigured(ctx context.Context) bool {
	s, err := c.settings.GetSettings(ctx)
	if err != nil {
		return false
	}
	return s.Configured()
}

func (c *Client) loadSettings(ctx context.Context) (model.Settings, error) {
	if c.settings == nil {
		return model.DefaultSettings(), nil
	}
	return c.settings.GetSettings(ctx)
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

// withDeadline applies the client timeout with errClientTimeout as the cause.
func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(ctx, c.timeout, errClientTimeout)
}

// wait blocks on the rate limiter, if any.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

// do sends one request and returns the response with its status unchecked.
// Errors are unclassified; callers pass them through transportError. The
// caller closes the body.
func (c *Client) do(ctx context.Context, method, url, apiKey string, body any) (*http.Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(req, apiKey)
	if body == nil {
		req.Header.Del("Content-Type")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"url":      url,
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("provider request")
	return resp, nil
}

// transportError classifies a failure that produced no HTTP response.
// Expiry of the client deadline is a remote fault; caller cancellation is
// returned as the context error.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if errors.Is(context.Cause(ctx), errClientTimeout) {
		return &fault.Error{
			Kind:    fault.KindRemote,
			Op:      op,
			Message: fmt.Sprintf("request timed out after %s", c.timeout),
			Err:     err,
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fault.Network(op, err)
}

// readResponse reads a body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// apiErrorEnvelope matches {"error": {"message": ...}} and {"error": "..."}.
type apiErrorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// errorMessage extracts the provider's error text from a body, or "".
func errorMessage(body []byte) string {
	var env apiErrorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	if len(env.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if err := json.Unmarshal(env.Error, &s); err == nil && s != "" {
			return s
		}
	}
	return env.Message
}

// statusError converts a non-2xx response into a remote fault carrying the
// provider message, or the bare status when there is none.
func statusError(op string, status int, body []byte) error {
	msg := strings.TrimSpace(errorMessage(body))
	if msg == "" {
		msg = fmt.Sprintf("HTTP error! status: %d", status)
	}
	return fault.Remote(op, status, msg)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

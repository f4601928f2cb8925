// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jeranaias/hmchat/internal/fault"
)

// =============================================================================
// MODEL TYPES
// =============================================================================

// Model is provider model metadata.
type Model struct {
	ID          string   `json:"id"`
	Object      string   `json:"object,omitempty"`
	OwnedBy     string   `json:"owned_by,omitempty"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Created     int64    `json:"created,omitempty"`
	Tokens      int      `json:"tokens,omitempty"`
	Pricing     *Pricing `json:"pricing,omitempty"`

	// ContextLength is reported by some providers instead of tokens.
	ContextLength int `json:"context_length,omitempty"`
}

// DisplayName returns Name, or ID when the provider sent no name.
func (m Model) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// ContextWindow returns the model's token limit, or 0 when unknown.
func (m Model) ContextWindow() int {
	if m.Tokens > 0 {
		return m.Tokens
	}
	return m.ContextLength
}

// Pricing is the per-token price of a model.
type Pricing struct {
	Input  Price `json:"input"`
	Output Price `json:"output"`
}

// Price accepts a JSON number or a numeric string.
type Price float64

// UnmarshalJSON implements json.Unmarshaler.
func (p *Price) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", s, err)
	}
	*p = Price(v)
	return nil
}

type modelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// DefaultModels is offered whenever the provider's list is unavailable.
var DefaultModels = []Model{
	{ID: "gpt-4", Name: "GPT-4", OwnedBy: "openai", Tokens: 8192},
	{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", OwnedBy: "openai", Tokens: 128000},
	{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", OwnedBy: "openai", Tokens: 16385},
	{ID: "gpt-4o", Name: "GPT-4o", OwnedBy: "openai", Tokens: 128000},
	{ID: "gpt-4o-mini", Name: "GPT-4o Mini", OwnedBy: "openai", Tokens: 128000},
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels fetches {apiUrl}/models. A 401/403 answer is an auth fault;
// every other failure is a network fault.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	const op = "cloud.ListModels"

	var out modelsResponse
	if err := c.getJSON(ctx, op, "/models", &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = []Model{}
	}
	return out.Data, nil
}

// ModelsOrDefault returns the provider's models, or DefaultModels on any
// failure. Auth failures are expected before the user configures a key and
// are only logged at debug.
func (c *Client) ModelsOrDefault(ctx context.Context) []Model {
	models, err := c.ListModels(ctx)
	if err == nil && len(models) > 0 {
		return models
	}
	switch {
	case err == nil:
		c.log.Debug("provider returned no models, using defaults")
	case errors.Is(err, fault.ErrAuth):
		c.log.WithError(err).Debug("model list unauthorized, using defaults")
	default:
		c.log.WithError(err).Warn("failed to list models, using defaults")
	}
	return append([]Model(nil), DefaultModels...)
}

// GetModel fetches {apiUrl}/models/{id}. Errors follow ListModels.
func (c *Client) GetModel(ctx context.Context, id string) (*Model, error) {
	const op = "cloud.GetModel"

	var m Model
	if err := c.getJSON(ctx, op, "/models/"+url.PathEscape(id), &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = id
	}
	return &m, nil
}

// ClampMaxTokens limits requested to the model's context window. A nil model
// or unknown window leaves requested unchanged.
func ClampMaxTokens(requested int, m *Model) int {
	if m == nil {
		return requested
	}
	window := m.ContextWindow()
	if window > 0 && requested > window {
		return window
	}
	return requested
}

// TestConnection probes the endpoint by listing models.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// getJSON performs a GET under the client deadline and decodes the body
// into out.
func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	settings, err := c.loadSettings(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, settings.BaseURL()+path, settings.APIKey, nil)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(context.Cause(ctx), errClientTimeout) {
			return ctx.Err()
		}
		return fault.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return fault.Network(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		msg := errorMessage(body)
		if msg == "" {
			msg = fmt.Sprintf("HTTP error! status: %d", resp.StatusCode)
		}
		return fault.Auth(op, resp.StatusCode, msg)
	case !isSuccess(resp.StatusCode):
		return fault.Network(op, fmt.Errorf("HTTP error! status: %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fault.Network(op, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

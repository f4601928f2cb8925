// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"strings"

	"github.com/jeranaias/hmchat/internal/model"
)

// =============================================================================
// MESSAGES
// =============================================================================

// ChatMessage is one entry of the conversation sent to the provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: string(model.RoleUser), Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: string(model.RoleAssistant), Content: content}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: string(model.RoleSystem), Content: content}
}

// FromMessages converts persisted messages, skipping those with no content.
func FromMessages(msgs []model.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// =============================================================================
// PARAMETERS
// =============================================================================

// Params are per-call generation parameters. Zero values and nil pointers
// fall back to Settings, then to the fixed defaults.
type Params struct {
	Model        string
	Temperature  *float64
	MaxTokens    int
	Instructions string

	// Only sent on the chat/completions protocol.
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
}

// Float returns a pointer to v, for the optional Params fields.
func Float(v float64) *float64 {
	return &v
}

// resolved holds the final values after fallback.
type resolved struct {
	model          string
	temperature    float64
	maxTokens      int
	explicitTokens bool
}

func resolve(p Params, s model.Settings) resolved {
	r := resolved{
		model:       firstNonEmpty(p.Model, s.Model, model.DefaultModel),
		temperature: s.Temperature,
		maxTokens:   s.MaxTokens,
	}
	if p.Temperature != nil {
		r.temperature = *p.Temperature
	}
	if p.MaxTokens > 0 {
		r.maxTokens = p.MaxTokens
		r.explicitTokens = true
	}
	if r.maxTokens <= 0 {
		r.maxTokens = model.DefaultMaxTokens
	}
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// REQUEST BODIES
// =============================================================================

// responsesRequest is the body for POST /responses.
type responsesRequest struct {
	Model           string        `json:"model"`
	Input           []ChatMessage `json:"input"`
	Instructions    string        `json:"instructions,omitempty"`
	Temperature     float64       `json:"temperature"`
	MaxOutputTokens int           `json:"max_output_tokens,omitempty"`
	Stream          bool          `json:"stream"`
}

// chatRequest is the body for POST /chat/completions.
type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens"`
	Stream           bool          `json:"stream"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
}

func newResponsesRequest(conv []ChatMessage, p Params, r resolved, stream bool) responsesRequest {
	req := responsesRequest{
		Model:        r.model,
		Input:        nonNil(conv),
		Instructions: p.Instructions,
		Temperature:  r.temperature,
		Stream:       stream,
	}
	if r.explicitTokens {
		req.MaxOutputTokens = r.maxTokens
	}
	return req
}

// newChatRequest carries instructions as a leading system message.
func newChatRequest(conv []ChatMessage, p Params, r resolved, stream bool) chatRequest {
	messages := make([]ChatMessage, 0, len(conv)+1)
	if p.Instructions != "" {
		messages = append(messages, NewSystemMessage(p.Instructions))
	}
	messages = append(messages, conv...)
	return chatRequest{
		Model:            r.model,
		Messages:         messages,
		Temperature:      r.temperature,
		MaxTokens:        r.maxTokens,
		Stream:           stream,
		TopP:             p.TopP,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
	}
}

func nonNil(conv []ChatMessage) []ChatMessage {
	if conv == nil {
		return []ChatMessage{}
	}
	return conv
}

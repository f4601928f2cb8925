// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
)

// Protocol names the wire protocol that produced a result.
type Protocol string

const (
	// ProtocolResponses is POST /responses.
	ProtocolResponses Protocol = "responses"
	// ProtocolChat is the older POST /chat/completions.
	ProtocolChat Protocol = "chat"
)

const (
	responsesPath = "/responses"
	chatPath      = "/chat/completions"
)

// Usage counts tokens for one completion.
type Usage struct {
	Input  int
	Output int
	Total  int
}

// Completion is the normalised result of a whole-response call.
type Completion struct {
	Text         string
	Usage        Usage
	FinishReason string
	Model        string
	Protocol     Protocol
}

// Complete sends conv and returns the assistant reply. The primary endpoint
// is /responses; a 404 there is retried exactly once against
// /chat/completions.
func (c *Client) Complete(ctx context.Context, conv []ChatMessage, params Params) (*Completion, error) {
	const op = "cloud.Complete"

	settings, err := c.loadSettings(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	resp, proto, err := c.dispatch(ctx, op, settings, conv, params, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}

	completion, err := normalize(op, body)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"protocol":      proto,
		"model":         completion.Model,
		"input_tokens":  completion.Usage.Input,
		"output_tokens": completion.Usage.Output,
	}).Debug("completion finished")
	return completion, nil
}

// dispatch posts the request on the primary protocol and falls back once on
// 404. The returned response has a 2xx status; the caller closes its body.
func (c *Client) dispatch(ctx context.Context, op string, settings model.Settings, conv []ChatMessage, params Params, stream bool) (*http.Response, Protocol, error) {
	r := resolve(params, settings)
	base := settings.BaseURL()

	resp, err := c.do(ctx, http.MethodPost, base+responsesPath, settings.APIKey,
		newResponsesRequest(conv, params, r, stream))
	if err != nil {
		return nil, "", c.transportError(ctx, op, err)
	}
	proto := ProtocolResponses

	if resp.StatusCode == http.StatusNotFound {
		drainAndClose(resp)
		c.log.WithField("url", base+responsesPath).Debug("responses endpoint not found, falling back to chat completions")

		resp, err = c.do(ctx, http.MethodPost, base+chatPath, settings.APIKey,
			newChatRequest(conv, params, r, stream))
		if err != nil {
			return nil, "", c.transportError(ctx, op, err)
		}
		proto = ProtocolChat
	}

	if !isSuccess(resp.StatusCode) {
		defer resp.Body.Close()
		body, _ := readResponse(resp)
		return nil, "", statusError(op, resp.StatusCode, body)
	}
	return resp, proto, nil
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

// =============================================================================
// NORMALISATION
// =============================================================================

// usageJSON accepts both naming schemes.
type usageJSON struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageJSON) usage() Usage {
	if u == nil {
		return Usage{}
	}
	out := Usage{
		Input:  u.InputTokens,
		Output: u.OutputTokens,
		Total:  u.TotalTokens,
	}
	if out.Input == 0 {
		out.Input = u.PromptTokens
	}
	if out.Output == 0 {
		out.Output = u.CompletionTokens
	}
	if out.Total == 0 {
		out.Total = out.Input + out.Output
	}
	return out
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type choice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// envelope is the union of both success shapes. Exactly one of Output or
// Choices is non-nil for a recognised body.
type envelope struct {
	Model             string       `json:"model"`
	Status            string       `json:"status"`
	Output            []outputItem `json:"output"`
	OutputText        string       `json:"output_text"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Choices []choice   `json:"choices"`
	Usage   *usageJSON `json:"usage"`
}

// protocol classifies the envelope, or returns "" when neither shape is
// present.
func (e *envelope) protocol() Protocol {
	switch {
	case e.Output != nil:
		return ProtocolResponses
	case e.Choices != nil:
		return ProtocolChat
	default:
		return ""
	}
}

// normalize decodes a success body from either protocol into a Completion.
func normalize(op string, body []byte) (*Completion, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &fault.Error{Kind: fault.KindRemote, Op: op, Message: "provider returned an invalid response", Err: err}
	}

	out := &Completion{
		Model:    env.Model,
		Usage:    env.Usage.usage(),
		Protocol: env.protocol(),
	}

	switch out.Protocol {
	case ProtocolResponses:
		out.Text = responsesText(env.Output)
		if out.Text == "" {
			out.Text = env.OutputText
		}
		out.FinishReason = env.Status
		if env.IncompleteDetails != nil && env.IncompleteDetails.Reason != "" {
			out.FinishReason = env.IncompleteDetails.Reason
		}
	case ProtocolChat:
		if len(env.Choices) == 0 {
			return nil, fault.Remote(op, 0, "provider returned no choices")
		}
		first := env.Choices[0]
		out.Text = first.Message.Content
		if out.Text == "" {
			out.Text = first.Text
		}
		out.FinishReason = first.FinishReason
	default:
		if msg := errorMessage(body); msg != "" {
			return nil, fault.Remote(op, 0, msg)
		}
		return nil, fault.Remote(op, 0, "unrecognised response from provider")
	}
	return out, nil
}

// responsesText concatenates the text parts of every message output item.
func responsesText(items []outputItem) string {
	var b strings.Builder
	for _, item := range items {
		if item.Type != "" && item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			switch part.Type {
			case "", "output_text", "text":
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

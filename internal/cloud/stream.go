// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/jeranaias/hmchat/internal/fault"
)

// STREAMING: line-framed SSE parsing for both protocols

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxFrameSize is the largest accepted single SSE line (64KB). Longer lines
// are dropped as malformed.
const MaxFrameSize = 64 * 1024

// doneSentinel is the payload that ends a chat/completions stream.
var doneSentinel = []byte("[DONE]")

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamEvent is one item from Stream. Exactly one terminal event (Done or
// Err set) is sent, after which the channel is closed.
type StreamEvent struct {
	Delta        string
	Done         bool
	Err          error
	Usage        Usage
	FinishReason string
	Protocol     Protocol
}

// streamFrame is the union of chat-style and responses-style frames.
type streamFrame struct {
	Type    string `json:"type"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Delta    json.RawMessage `json:"delta"`
	Usage    *usageJSON      `json:"usage"`
	Error    json.RawMessage `json:"error"`
	Message  string          `json:"message"`
	Response *struct {
		Status string     `json:"status"`
		Usage  *usageJSON `json:"usage"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

// =============================================================================
// SSE READER
// =============================================================================

// Frame is one "data:" line and the event type most recently announced.
type Frame struct {
	Event string
	Data  []byte
}

// SSEReader reads line-delimited Server-Sent Events. Every data line is
// returned as its own frame.
type SSEReader struct {
	reader *bufio.Reader
	event  string
}

// NewSSEReader creates a reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 4096)}
}

// ReadFrame returns the next data frame. Comment, id and retry lines are
// skipped; a blank line ends the current event. Returns io.EOF at the end of
// the stream. onLine, when non-nil, is called for every line read.
func (s *SSEReader) ReadFrame(onLine func()) (Frame, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 && onLine != nil {
			onLine()
		}
		if err != nil && (err != io.EOF || len(line) == 0) {
			return Frame{}, err
		}

		line = bytes.TrimRight(line, "\r\n")
		switch {
		case len(line) == 0:
			s.event = ""
		case len(line) > MaxFrameSize:
			// dropped
		case bytes.HasPrefix(line, []byte("event:")):
			s.event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			return Frame{Event: s.event, Data: bytes.TrimSpace(line[len("data:"):])}, nil
		}

		if err == io.EOF {
			return Frame{}, io.EOF
		}
	}
}

// =============================================================================
// STREAMING
// =============================================================================

// Stream performs an incremental completion. Request construction and the
// 404 fallback match Complete. Deltas arrive in order; "[DONE]" and
// malformed frames are skipped. Cancelling ctx stops the producer. If no
// line arrives for the client timeout the stream fails with a remote fault;
// the timer is paused while a delta waits for the consumer.
func (c *Client) Stream(ctx context.Context, conv []ChatMessage, params Params) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	go c.stream(ctx, conv, params, ch)
	return ch
}

func (c *Client) stream(ctx context.Context, conv []ChatMessage, params Params, ch chan<- StreamEvent) {
	const op = "cloud.Stream"
	defer close(ch)

	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// A terminal event is still offered after cancellation if the consumer
	// is waiting for it.
	finish := func(ev StreamEvent) {
		if !send(ev) {
			select {
			case ch <- ev:
			default:
			}
		}
	}

	settings, err := c.loadSettings(ctx)
	if err != nil {
		finish(StreamEvent{Err: err})
		return
	}

	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(c.timeout, func() { cancel(errClientTimeout) })
	defer idle.Stop()

	resp, proto, err := c.dispatch(sctx, op, settings, conv, params, true)
	if err != nil {
		finish(StreamEvent{Err: err})
		return
	}
	defer resp.Body.Close()

	result := StreamEvent{Done: true, Protocol: proto}
	reader := NewSSEReader(resp.Body)
	resetIdle := func() { idle.Reset(c.timeout) }
	chunks := 0
	start := time.Now()

	for {
		frame, err := reader.ReadFrame(resetIdle)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			finish(StreamEvent{Err: c.transportError(sctx, op, err)})
			return
		}
		if bytes.Equal(frame.Data, doneSentinel) || len(frame.Data) == 0 {
			continue
		}

		var f streamFrame
		if err := json.Unmarshal(frame.Data, &f); err != nil {
			c.log.WithError(err).Debug("skipping malformed stream frame")
			continue
		}
		if f.Type == "" {
			f.Type = frame.Event
		}

		if msg, failed := frameError(&f, frame.Data); failed {
			finish(StreamEvent{Err: fault.Remote(op, 0, msg)})
			return
		}

		delta := frameDelta(&f)
		if u := frameUsage(&f); u != nil {
			result.Usage = u.usage()
		}
		if reason := frameFinish(&f); reason != "" {
			result.FinishReason = reason
		}

		if delta != "" {
			chunks++
			// Time spent waiting on the consumer is not provider idleness.
			idle.Stop()
			ok := send(StreamEvent{Delta: delta, Protocol: proto})
			idle.Reset(c.timeout)
			if !ok {
				finish(StreamEvent{Err: ctx.Err()})
				return
			}
		}
	}

	c.log.WithField("protocol", proto).
		WithField("chunks", chunks).
		WithField("duration", time.Since(start).Round(time.Millisecond)).
		Debug("stream finished")
	finish(result)
}

// frameError reports an explicit provider error frame.
func frameError(f *streamFrame, data []byte) (string, bool) {
	switch {
	case f.Type == "error":
		if f.Message != "" {
			return f.Message, true
		}
		if msg := errorMessage(data); msg != "" {
			return msg, true
		}
		return "stream error", true
	case f.Type == "response.failed":
		if f.Response != nil && f.Response.Error != nil && f.Response.Error.Message != "" {
			return f.Response.Error.Message, true
		}
		return "response failed", true
	case len(f.Error) > 0 && !bytes.Equal(f.Error, []byte("null")):
		if msg := errorMessage(data); msg != "" {
			return msg, true
		}
		return "stream error", true
	}
	return "", false
}

// frameDelta extracts the incremental text of either protocol.
func frameDelta(f *streamFrame) string {
	if f.Type == "response.output_text.delta" {
		var s string
		if err := json.Unmarshal(f.Delta, &s); err == nil {
			return s
		}
		return ""
	}
	if len(f.Choices) > 0 {
		return f.Choices[0].Delta.Content
	}
	return ""
}

func frameUsage(f *streamFrame) *usageJSON {
	if f.Usage != nil {
		return f.Usage
	}
	if f.Response != nil {
		return f.Response.Usage
	}
	return nil
}

func frameFinish(f *streamFrame) string {
	if len(f.Choices) > 0 && f.Choices[0].FinishReason != nil {
		return *f.Choices[0].FinishReason
	}
	if f.Response != nil && (f.Type == "response.completed" || f.Type == "response.incomplete") {
		return f.Response.Status
	}
	return ""
}

// CompleteStreaming consumes Stream, calling onChunk for each delta and then
// exactly one of onDone or onError. It returns after the terminal callback.
func (c *Client) CompleteStreaming(ctx context.Context, conv []ChatMessage, params Params,
	onChunk func(string), onDone func(Usage), onError func(error)) {

	finished := false
	for ev := range c.Stream(ctx, conv, params) {
		switch {
		case ev.Err != nil:
			finished = true
			if onError != nil {
				onError(ev.Err)
			}
		case ev.Done:
			finished = true
			if onDone != nil {
				onDone(ev.Usage)
			}
		default:
			if onChunk != nil {
				onChunk(ev.Delta)
			}
		}
	}

	if !finished && onError != nil {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		onError(err)
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/hmchat/internal/cloud"
	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/logging"
	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyInput is returned for blank input. Nothing is persisted.
	ErrEmptyInput = errors.New("message is empty")

	// ErrBusy is returned when a generation is already in flight.
	ErrBusy = errors.New("a response is already being generated")

	// ErrCanceled is returned when the generation was abandoned.
	ErrCanceled = errors.New("generation canceled")

	// ErrNothingToRetry is returned by Retry for a chat with no assistant
	// message.
	ErrNothingToRetry = errors.New("no assistant message to retry")
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Store is the persistence the controller needs. *storage.Store satisfies it.
type Store interface {
	CreateChat(ctx context.Context, title string) (*model.Chat, error)
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	AddMessage(ctx context.Context, role model.Role, content, chatID string) (*model.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]model.Message, error)
	UpdateMessage(ctx context.Context, id string, upd storage.MessageUpdate) (*model.Message, error)
}

// Completer is the completion client. *cloud.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, conv []cloud.ChatMessage, params cloud.Params) (*cloud.Completion, error)
	Stream(ctx context.Context, conv []cloud.ChatMessage, params cloud.Params) <-chan cloud.StreamEvent
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Generation states.
const (
	stateRunning int32 = iota
	stateCanceled
	stateFinalizing
)

// generation is one in-flight request.
type generation struct {
	cancel context.CancelFunc
	state  atomic.Int32
}

// Exchange is the outcome of a successful Submit or Retry.
type Exchange struct {
	Chat        *model.Chat
	User        *model.Message // nil for Retry
	Reply       *model.Message
	Usage       cloud.Usage
	CreatedChat bool
	Duration    time.Duration
}

// Controller runs at most one generation at a time. It is safe for
// concurrent use; Cancel is typically called from another goroutine while
// Submit blocks.
type Controller struct {
	store     Store
	client    Completer
	log       logrus.FieldLogger
	streaming bool
	params    cloud.Params

	mu     sync.Mutex
	active *generation

	subs subscribers
}

// Option configures a Controller.
type Option func(*Controller)

// WithStreaming selects incremental delivery. Default true.
func WithStreaming(on bool) Option {
	return func(c *Controller) {
		c.streaming = on
	}
}

// WithParams sets the generation parameters passed on every request.
func WithParams(p cloud.Params) Option {
	return func(c *Controller) {
		c.params = p
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// NewController creates a controller over store and client.
func NewController(store Store, client Completer, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		client:    client,
		log:       logging.Discard(),
		streaming: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers fn for generation events. Events are delivered on the
// goroutine running Submit or Retry. The returned function unsubscribes.
func (c *Controller) Subscribe(fn func(Event)) func() {
	return c.subs.add(fn)
}

// Generating reports whether a generation is in flight.
func (c *Controller) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Cancel abandons the in-flight generation and cancels its request. A reply
// arriving afterwards is discarded. It reports whether anything was
// canceled; it is a no-op when idle or once the reply is being saved.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	gen := c.active
	c.mu.Unlock()

	if gen == nil || !gen.state.CompareAndSwap(stateRunning, stateCanceled) {
		return false
	}
	gen.cancel()
	c.log.Debug("generation canceled")
	return true
}

// acquire claims the single generation slot.
func (c *Controller) acquire(ctx context.Context) (*generation, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, nil, ErrBusy
	}
	genCtx, cancel := context.WithCancel(ctx)
	gen := &generation{cancel: cancel}
	c.active = gen
	return gen, genCtx, nil
}

func (c *Controller) release(gen *generation) {
	c.mu.Lock()
	if c.active == gen {
		c.active = nil
	}
	c.mu.Unlock()
	gen.cancel()
}

// =============================================================================
// SUBMIT / RETRY
// =============================================================================

// Submit persists text as a user message in chatID (a new chat when chatID
// is empty), adds an empty assistant placeholder, and fills it with the
// reply. On failure the placeholder stays empty and the error is both
// published and returned.
func (c *Controller) Submit(ctx context.Context, text, chatID string) (*Exchange, error) {
	const op = "conversation.Submit"

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}

	gen, genCtx, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	released := false
	defer func() {
		if !released {
			c.release(gen)
		}
	}()

	ex := &Exchange{}
	if chatID == "" {
		chat, err := c.store.CreateChat(ctx, model.TitleFromText(text))
		if err != nil {
			return nil, err
		}
		ex.Chat = chat
		ex.CreatedChat = true
	} else {
		chat, err := c.store.GetChat(ctx, chatID)
		if err != nil {
			return nil, err
		}
		if chat == nil {
			return nil, fault.Reference(op, "chat %s does not exist", chatID)
		}
		ex.Chat = chat
	}

	history, err := c.store.ListMessages(ctx, ex.Chat.ID)
	if err != nil {
		return nil, err
	}
	conv := append(cloud.FromMessages(history), cloud.NewUserMessage(text))

	if ex.User, err = c.store.AddMessage(ctx, model.RoleUser, text, ex.Chat.ID); err != nil {
		return nil, err
	}
	if ex.Reply, err = c.store.AddMessage(ctx, model.RoleAssistant, "", ex.Chat.ID); err != nil {
		return nil, err
	}

	released = true
	return c.run(ctx, genCtx, gen, ex, conv)
}

// Retry re-runs the completion for the chat's last assistant message, using
// the messages before it, and fills that message in place.
func (c *Controller) Retry(ctx context.Context, chatID string) (*Exchange, error) {
	const op = "conversation.Retry"

	gen, genCtx, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	released := false
	defer func() {
		if !released {
			c.release(gen)
		}
	}()

	chat, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, fault.Reference(op, "chat %s does not exist", chatID)
	}

	msgs, err := c.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 {
		return nil, ErrNothingToRetry
	}

	reply := msgs[last]
	if reply.Content != "" {
		empty := ""
		updated, err := c.store.UpdateMessage(ctx, reply.ID, storage.MessageUpdate{Content: &empty})
		if err != nil {
			return nil, err
		}
		if updated != nil {
			reply = *updated
		}
	}

	ex := &Exchange{Chat: chat, Reply: &reply}
	released = true
	return c.run(ctx, genCtx, gen, ex, cloud.FromMessages(msgs[:last]))
}

// run performs the request for ex.Reply and finalises the generation. It
// owns gen and releases it before publishing the terminal event.
func (c *Controller) run(ctx, genCtx context.Context, gen *generation, ex *Exchange, conv []cloud.ChatMessage) (*Exchange, error) {
	base := Event{ChatID: ex.Chat.ID, MessageID: ex.Reply.ID}
	log := c.log.WithFields(logrus.Fields{"chat_id": ex.Chat.ID, "message_id": ex.Reply.ID})

	started := base
	started.Kind = EventStarted
	c.subs.publish(started)

	start := time.Now()
	text, usage, genErr := c.generate(genCtx, gen, base, conv)
	ex.Duration = time.Since(start)
	ex.Usage = usage

	// Past this point Cancel can no longer win.
	if !gen.state.CompareAndSwap(stateRunning, stateFinalizing) {
		c.release(gen)
		log.WithField("discarded_chars", len(text)).Info("generation canceled, result discarded")
		c.publishCanceled(base)
		return nil, ErrCanceled
	}

	if genErr != nil && ctx.Err() != nil {
		c.release(gen)
		log.WithError(genErr).Debug("generation abandoned by caller")
		c.publishCanceled(base)
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}

	if genErr != nil {
		c.release(gen)
		return nil, c.fail(log, base, genErr)
	}

	updated, err := c.store.UpdateMessage(ctx, ex.Reply.ID, storage.MessageUpdate{Content: &text})
	if err == nil && updated == nil {
		err = fault.Reference("conversation.run", "message %s was deleted during generation", ex.Reply.ID)
	}
	c.release(gen)
	if err != nil {
		return nil, c.fail(log, base, err)
	}
	ex.Reply = updated

	log.WithFields(logrus.Fields{
		"chars":         len(text),
		"output_tokens": usage.Output,
		"duration":      ex.Duration.Round(time.Millisecond),
	}).Debug("generation completed")

	done := base
	done.Kind = EventCompleted
	done.Message = updated
	c.subs.publish(done)
	return ex, nil
}

// generate obtains the reply text, publishing deltas while streaming.
func (c *Controller) generate(ctx context.Context, gen *generation, base Event, conv []cloud.ChatMessage) (string, cloud.Usage, error) {
	if !c.streaming {
		resp, err := c.client.Complete(ctx, conv, c.params)
		if err != nil {
			return "", cloud.Usage{}, err
		}
		return resp.Text, resp.Usage, nil
	}

	var b strings.Builder
	for ev := range c.client.Stream(ctx, conv, c.params) {
		switch {
		case ev.Err != nil:
			return b.String(), ev.Usage, ev.Err
		case ev.Done:
			return b.String(), ev.Usage, nil
		default:
			b.WriteString(ev.Delta)
			if gen.state.Load() == stateRunning {
				delta := base
				delta.Kind = EventDelta
				delta.Delta = ev.Delta
				c.subs.publish(delta)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return b.String(), cloud.Usage{}, err
	}
	return b.String(), cloud.Usage{}, fault.Remote("conversation.generate", 0, "stream ended without a result")
}

func (c *Controller) fail(log logrus.FieldLogger, base Event, err error) error {
	log.WithError(err).Warn("generation failed")
	ev := base
	ev.Kind = EventFailed
	ev.Err = err
	ev.Text = fault.Message(err)
	c.subs.publish(ev)
	return err
}

func (c *Controller) publishCanceled(base Event) {
	ev := base
	ev.Kind = EventCanceled
	c.subs.publish(ev)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/hmchat/internal/cloud"
	"github.com/jeranaias/hmchat/internal/fault"
	"github.com/jeranaias/hmchat/internal/model"
	"github.com/jeranaias/hmchat/internal/storage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "hmchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeCompleter records each conversation and answers with the configured
// functions.
type fakeCompleter struct {
	mu       sync.Mutex
	calls    [][]cloud.ChatMessage
	complete func(ctx context.Context) (*cloud.Completion, error)
	stream   func(ctx context.Context) <-chan cloud.StreamEvent
}

func (f *fakeCompleter) record(conv []cloud.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]cloud.ChatMessage(nil), conv...))
}

func (f *fakeCompleter) Complete(ctx context.Context, conv []cloud.ChatMessage, _ cloud.Params) (*cloud.Completion, error) {
	f.record(conv)
	return f.complete(ctx)
}

func (f *fakeCompleter) Stream(ctx context.Context, conv []cloud.ChatMessage, _ cloud.Params) <-chan cloud.StreamEvent {
	f.record(conv)
	return f.stream(ctx)
}

func (f *fakeCompleter) lastCall() []cloud.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func reply(text string) func(context.Context) (*cloud.Completion, error) {
	return func(context.Context) (*cloud.Completion, error) {
		return &cloud.Completion{Text: text, Usage: cloud.Usage{Input: 1, Output: 2, Total: 3}}, nil
	}
}

func streamOf(events ...cloud.StreamEvent) func(context.Context) <-chan cloud.StreamEvent {
	return func(context.Context) <-chan cloud.StreamEvent {
		ch := make(chan cloud.StreamEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) last() Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

// waitForRequest blocks until the fake has received a request, so the
// placeholder is already persisted.
func waitForRequest(t *testing.T, fake *fakeCompleter) {
	t.Helper()
	require.Eventually(t, func() bool { return fake.lastCall() != nil }, 2*time.Second, 5*time.Millisecond)
}

func chatCount(t *testing.T, store *storage.Store) int {
	t.Helper()
	chats, err := store.ListChats(context.Background())
	require.NoError(t, err)
	return len(chats)
}

// =============================================================================
// SUBMIT TESTS
// =============================================================================

func TestSubmit_NewChat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fake := &fakeCompleter{complete: reply("Hello! How can I help?")}
	ctrl := NewController(store, fake, WithStreaming(false))

	var events eventLog
	ctrl.Subscribe(events.add)

	ex, err := ctrl.Submit(ctx, "  What is the capital of France? Please answer briefly and precisely.  ", "")
	require.NoError(t, err)

	assert.True(t, ex.CreatedChat)
	assert.Equal(t, model.TitleFromText("What is the capital of France? Please answer briefly and precisely."), ex.Chat.Title)
	assert.Len(t, []rune(ex.Chat.Title), model.TitleMaxRunes)
	assert.Equal(t, "What is the capital of France? Please answer briefly and precisely.", ex.User.Content)
	assert.Equal(t, "Hello! How can I help?", ex.Reply.Content)
	assert.Equal(t, cloud.Usage{Input: 1, Output: 2, Total: 3}, ex.Usage)

	assert.Equal(t, []cloud.ChatMessage{
		cloud.NewUserMessage("What is the capital of France? Please answer briefly and precisely."),
	}, fake.lastCall())

	msgs, err := store.ListMessages(ctx, ex.Chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, ex.Reply.ID, msgs[1].ID)
	assert.Equal(t, "Hello! How can I help?", msgs[1].Content)

	assert.Equal(t, []EventKind{EventStarted, EventCompleted}, events.kinds())
	assert.Equal(t, ex.Reply.ID, events.last().MessageID)
	assert.False(t, ctrl.Generating())
}

func TestSubmit_ExistingChatHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	chat, err := store.CreateChat(ctx, "Talk")
	require.NoError(t, err)
	for _, m := range []struct {
		role    model.Role
		content string
	}{
		{model.RoleUser, "first"},
		{model.RoleAssistant, "answer"},
		{model.RoleUser, "second"},
		{model.RoleAssistant, ""}, // failed earlier
	} {
		_, err := store.AddMessage(ctx, m.role, m.content, chat.ID)
		require.NoError(t, err)
	}

	fake := &fakeCompleter{complete: reply("ok")}
	ctrl := NewController(store, fake, WithStreaming(false))

	ex, err := ctrl.Submit(ctx, "third", chat.ID)
	require.NoError(t, err)
	assert.False(t, ex.CreatedChat)
	assert.Equal(t, "Talk", ex.Chat.Title)

	assert.Equal(t, []cloud.ChatMessage{
		cloud.NewUserMessage("first"),
		cloud.NewAssistantMessage("answer"),
		cloud.NewUserMessage("second"),
		cloud.NewUserMessage("third"),
	}, fake.lastCall())

	msgs, err := store.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 6)
	assert.Equal(t, "ok", msgs[5].Content)
}

func TestSubmit_EmptyInput(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeCompleter{complete: reply("never")}
	ctrl := NewController(store, fake)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := ctrl.Submit(context.Background(), text, "")
		assert.ErrorIs(t, err, ErrEmptyInput)
	}
	assert.Equal(t, 0, chatCount(t, store))
	assert.Nil(t, fake.lastCall())
}

func TestSubmit_MissingChat(t *testing.T) {
	store := newTestStore(t)
	ctrl := NewController(store, &fakeCompleter{complete: reply("never")})

	_, err := ctrl.Submit(context.Background(), "hi", "no-such-chat")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrReference))
	assert.Equal(t, 0, chatCount(t, store))
	assert.False(t, ctrl.Generating())
}

func TestSubmit_FailureKeepsEmptyPlaceholder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	remote := fault.Remote("cloud.Complete", 500, "model overloaded")
	fake := &fakeCompleter{complete: func(context.Context) (*cloud.Completion, error) { return nil, remote }}
	ctrl := NewController(store, fake, WithStreaming(false))

	var events eventLog
	ctrl.Subscribe(events.add)

	_, err := ctrl.Submit(ctx, "hello", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrRemote))

	chats, err := store.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	msgs, err := store.ListMessages(ctx, chats[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].IsPending())

	assert.Equal(t, []EventKind{EventStarted, EventFailed}, events.kinds())
	failed := events.last()
	assert.Equal(t, "model overloaded", failed.Text)
	assert.Equal(t, msgs[1].ID, failed.MessageID)
	assert.False(t, ctrl.Generating())
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestSubmit_BusyRejects(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	release := make(chan struct{})
	fake := &fakeCompleter{complete: func(context.Context) (*cloud.Completion, error) {
		<-release
		return &cloud.Completion{Text: "done"}, nil
	}}
	ctrl := NewController(store, fake, WithStreaming(false))

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(ctx, "first", "")
		errCh <- err
	}()
	waitForRequest(t, fake)

	chats, err := store.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)

	_, err = ctrl.Submit(ctx, "second", chats[0].ID)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = ctrl.Retry(ctx, chats[0].ID)
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-errCh)

	msgs, err := store.ListMessages(ctx, chats[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "the rejected submit persisted nothing")
	assert.Equal(t, "done", msgs[1].Content)

	_, err = ctrl.Submit(ctx, "third", chats[0].ID)
	assert.NoError(t, err)
}

func TestCancel_DiscardsLateResult(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	release := make(chan struct{})
	// Ignores its context: the reply still arrives after Cancel.
	fake := &fakeCompleter{complete: func(context.Context) (*cloud.Completion, error) {
		<-release
		return &cloud.Completion{Text: "too late"}, nil
	}}
	ctrl := NewController(store, fake, WithStreaming(false))

	var events eventLog
	ctrl.Subscribe(events.add)

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(ctx, "question", "")
		errCh <- err
	}()
	waitForRequest(t, fake)

	assert.True(t, ctrl.Cancel())
	assert.False(t, ctrl.Cancel(), "second cancel is a no-op")
	close(release)
	assert.ErrorIs(t, <-errCh, ErrCanceled)

	chats, err := store.ListChats(ctx)
	require.NoError(t, err)
	msgs, err := store.ListMessages(ctx, chats[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "", msgs[1].Content, "late result must not be written")

	assert.Equal(t, []EventKind{EventStarted, EventCanceled}, events.kinds())
	assert.False(t, ctrl.Generating())
}

func TestCancel_StopsRequest(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeCompleter{complete: func(ctx context.Context) (*cloud.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	ctrl := NewController(store, fake, WithStreaming(false))

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), "question", "")
		errCh <- err
	}()
	waitForRequest(t, fake)
	ctrl.Cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after cancel")
	}
}

func TestCancel_IdleIsNoop(t *testing.T) {
	ctrl := NewController(newTestStore(t), &fakeCompleter{})
	assert.False(t, ctrl.Cancel())
	assert.False(t, ctrl.Generating())
}

func TestSubmit_CallerContextCanceled(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeCompleter{complete: func(reqCtx context.Context) (*cloud.Completion, error) {
		cancel()
		<-reqCtx.Done()
		return nil, reqCtx.Err()
	}}
	ctrl := NewController(store, fake, WithStreaming(false))

	_, err := ctrl.Submit(ctx, "question", "")
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ctrl.Generating())
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestSubmit_Streaming(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fake := &fakeCompleter{stream: streamOf(
		cloud.StreamEvent{Delta: "Hi"},
		cloud.StreamEvent{Delta: " there"},
		cloud.StreamEvent{Done: true, Usage: cloud.Usage{Output: 2}},
	)}
	ctrl := NewController(store, fake)

	var events eventLog
	ctrl.Subscribe(events.add)

	ex, err := ctrl.Submit(ctx, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", ex.Reply.Content)
	assert.Equal(t, 2, ex.Usage.Output)

	assert.Equal(t, []EventKind{EventStarted, EventDelta, EventDelta, EventCompleted}, events.kinds())
	events.mu.Lock()
	assert.Equal(t, "Hi", events.events[1].Delta)
	assert.Equal(t, " there", events.events[2].Delta)
	assert.Equal(t, "Hi there", events.events[3].Message.Content)
	events.mu.Unlock()
}

func TestSubmit_StreamingErrorDiscardsPartial(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fake := &fakeCompleter{stream: streamOf(
		cloud.StreamEvent{Delta: "partial"},
		cloud.StreamEvent{Err: fault.Remote("cloud.Stream", 0, "stream broke")},
	)}
	ctrl := NewController(store, fake)

	ex, err := ctrl.Submit(ctx, "hello", "")
	assert.Nil(t, ex)
	require.Error(t, err)
	assert.Equal(t, "stream broke", fault.Message(err))

	chats, err := store.ListChats(ctx)
	require.NoError(t, err)
	msgs, err := store.ListMessages(ctx, chats[0].ID)
	require.NoError(t, err)
	assert.True(t, msgs[1].IsPending())
}

func TestSubmit_StreamClosedWithoutResult(t *testing.T) {
	fake := &fakeCompleter{stream: streamOf(cloud.StreamEvent{Delta: "x"})}
	ctrl := NewController(newTestStore(t), fake)

	_, err := ctrl.Submit(context.Background(), "hello", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrRemote))
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func TestRetry_FillsSamePlaceholder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fail := true
	fake := &fakeCompleter{complete: func(context.Context) (*cloud.Completion, error) {
		if fail {
			return nil, fault.Network("cloud.Complete", errors.New("connection refused"))
		}
		return &cloud.Completion{Text: "second try"}, nil
	}}
	ctrl := NewController(store, fake, WithStreaming(false))

	_, err := ctrl.Submit(ctx, "question", "")
	require.Error(t, err)

	chats, err := store.ListChats(ctx)
	require.NoError(t, err)
	chatID := chats[0].ID
	before, err := store.ListMessages(ctx, chatID)
	require.NoError(t, err)

	fail = false
	ex, err := ctrl.Retry(ctx, chatID)
	require.NoError(t, err)
	assert.Nil(t, ex.User)
	assert.Equal(t, before[1].ID, ex.Reply.ID)
	assert.Equal(t, "second try", ex.Reply.Content)
	assert.Equal(t, []cloud.ChatMessage{cloud.NewUserMessage("question")}, fake.lastCall())

	after, err := store.ListMessages(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "second try", after[1].Content)
}

func TestRetry_RegeneratesAnswer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	answers := []string{"first answer", "better answer"}
	fake := &fakeCompleter{complete: func(context.Context) (*cloud.Completion, error) {
		text := answers[0]
		answers = answers[1:]
		return &cloud.Completion{Text: text}, nil
	}}
	ctrl := NewController(store, fake, WithStreaming(false))

	var contents []string
	unsubscribe := store.Subscribe(func(ev storage.Event) {
		if ev.Kind == storage.MessageUpdated {
			contents = append(contents, ev.Message.Content)
		}
	})
	defer unsubscribe()

	ex, err := ctrl.Submit(ctx, "question", "")
	require.NoError(t, err)
	ex2, err := ctrl.Retry(ctx, ex.Chat.ID)
	require.NoError(t, err)

	assert.Equal(t, ex.Reply.ID, ex2.Reply.ID)
	assert.Equal(t, "better answer", ex2.Reply.Content)
	assert.Equal(t, []string{"first answer", "", "better answer"}, contents)
}

func TestRetry_Errors(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ctrl := NewController(store, &fakeCompleter{complete: reply("x")}, WithStreaming(false))

	_, err := ctrl.Retry(ctx, "missing")
	assert.True(t, errors.Is(err, fault.ErrReference))

	chat, err := store.CreateChat(ctx, "empty")
	require.NoError(t, err)
	_, err = ctrl.Retry(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrNothingToRetry)

	_, err = store.AddMessage(ctx, model.RoleUser, "only a question", chat.ID)
	require.NoError(t, err)
	_, err = ctrl.Retry(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrNothingToRetry)
	assert.False(t, ctrl.Generating())
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestSubscribe_ReleasedBeforeTerminalEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ctrl := NewController(store, &fakeCompleter{complete: reply("ok")}, WithStreaming(false))

	var generatingAtEnd []bool
	ctrl.Subscribe(func(ev Event) {
		if ev.Kind == EventCompleted {
			generatingAtEnd = append(generatingAtEnd, ctrl.Generating())
		}
	})
	unsubscribe := ctrl.Subscribe(func(Event) { t.Error("unsubscribed callback called") })
	unsubscribe()

	_, err := ctrl.Submit(ctx, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, generatingAtEnd)
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "started", EventStarted.String())
	assert.Equal(t, "delta", EventDelta.String())
	assert.Equal(t, "completed", EventCompleted.String())
	assert.Equal(t, "failed", EventFailed.String())
	assert.Equal(t, "canceled", EventCanceled.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}

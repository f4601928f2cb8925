// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"sync"

	"github.com/jeranaias/hmchat/internal/model"
)

// EventKind identifies a generation lifecycle step.
type EventKind int

const (
	// EventStarted: the placeholder exists and the request is about to be sent.
	EventStarted EventKind = iota + 1
	// EventDelta: streamed text arrived.
	EventDelta
	// EventCompleted: the placeholder was filled.
	EventCompleted
	// EventFailed: the request failed; the placeholder stays empty.
	EventFailed
	// EventCanceled: the generation was abandoned.
	EventCanceled
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventDelta:
		return "delta"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Event reports generation progress to subscribers.
type Event struct {
	Kind      EventKind
	ChatID    string
	MessageID string

	// Delta is the new text for EventDelta.
	Delta string

	// Message is the filled placeholder for EventCompleted.
	Message *model.Message

	// Err and Text describe an EventFailed; Text is the user-facing message.
	Err  error
	Text string
}

// subscribers is a registration-ordered callback list.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func(Event)
}

func (s *subscribers) add(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(Event))
	}
	id := s.nextID
	s.nextID++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) publish(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.fns))
	for id := 0; id < s.nextID; id++ {
		if fn, ok := s.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

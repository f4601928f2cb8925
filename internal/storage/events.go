// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"sync"

	"github.com/jeranaias/hmchat/internal/model"
)

// EventKind identifies what changed in the store.
type EventKind int

const (
	ChatCreated EventKind = iota + 1
	ChatUpdated
	ChatDeleted
	MessageAdded
	MessageUpdated
	MessageDeleted
	SettingsSaved
	Imported
	Cleared
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case ChatCreated:
		return "chat_created"
	case ChatUpdated:
		return "chat_updated"
	case ChatDeleted:
		return "chat_deleted"
	case MessageAdded:
		return "message_added"
	case MessageUpdated:
		return "message_updated"
	case MessageDeleted:
		return "message_deleted"
	case SettingsSaved:
		return "settings_saved"
	case Imported:
		return "imported"
	case Cleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Event describes one committed write. Only the fields relevant to Kind are
// set; ID is always the affected record's id when there is one.
type Event struct {
	Kind     EventKind
	ID       string
	Chat     *model.Chat
	Message  *model.Message
	Settings *model.Settings
}

// Subscribe registers fn for every committed write. Events arrive in commit
// order, after the writer lock is released, so fn may call back into the
// store. One goroutine delivers at a time: usually the writer's own, but when
// writers overlap a write's events may be delivered by the goroutine already
// delivering, after that write has returned. The returned function
// unsubscribes.
func (s *Store) Subscribe(fn func(Event)) func() {
	return s.obs.add(fn)
}

// observers queues events under the writer lock and delivers them outside it.
type observers struct {
	mu       sync.Mutex
	nextID   int
	fns      map[int]func(Event)
	pending  []Event
	draining bool
}

func (o *observers) add(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(Event))
	}
	id := o.nextID
	o.nextID++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

// queue records ev. Callers hold the store's writer lock so queue order is
// commit order.
func (o *observers) queue(ev Event) {
	o.mu.Lock()
	o.pending = append(o.pending, ev)
	o.mu.Unlock()
}

// deliver drains the queue. Only one goroutine drains at a time; a write made
// from inside a callback, or by an overlapping writer, is picked up by the
// loop already running. A panicking callback loses its event but does not
// stop later deliveries.
func (o *observers) deliver() {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return
	}
	o.draining = true
	o.mu.Unlock()

	drained := false
	defer func() {
		if !drained {
			o.mu.Lock()
			o.draining = false
			o.mu.Unlock()
		}
	}()

	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			o.draining = false
			o.mu.Unlock()
			drained = true
			return
		}
		ev := o.pending[0]
		o.pending = o.pending[1:]
		fns := make([]func(Event), 0, len(o.fns))
		for id := 0; id < o.nextID; id++ {
			if fn, ok := o.fns[id]; ok {
				fns = append(fns, fn)
			}
		}
		o.mu.Unlock()

		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Package state holds the observable call state consumed by presentation
// layers. The pool and controller mutate the table; UIs subscribe to change
// events instead of polling, independent of any rendering framework.
package state

import (
	"sort"
	"sync"

	"github.com/petervdpas/callmesh/internal/media"
)

// Participant is one remote call member with received media.
type Participant struct {
	ID     string
	Stream *media.RemoteStream
}

// Event types emitted by the table.
const (
	EventUpdate      = "update"
	EventRemove      = "remove"
	EventCallStarted = "call-started"
	EventCallEnded   = "call-ended"
)

// Event describes one change to the call state.
type Event struct {
	Type        string       `json:"type"`
	ID          string       `json:"id,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
}

// Table is the remote participant roster with change notification.
type Table struct {
	mu        sync.Mutex
	parts     map[string]*Participant
	listeners []chan Event
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{parts: map[string]*Participant{}}
}

// Upsert records (or refreshes) a participant whose stream has tracks.
func (t *Table) Upsert(id string, stream *media.RemoteStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Participant{ID: id, Stream: stream}
	t.parts[id] = p
	t.notify(Event{Type: EventUpdate, ID: id, Participant: p})
}

// Remove drops a participant. No-op when absent.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.parts[id]; !ok {
		return
	}
	delete(t.parts, id)
	t.notify(Event{Type: EventRemove, ID: id})
}

// Clear drops every participant without per-entry events. Used on teardown,
// which follows with a call-ended event.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parts = map[string]*Participant{}
}

// Snapshot returns the participants sorted by id.
func (t *Table) Snapshot() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.parts))
	for _, p := range t.parts {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of remote participants.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.parts)
}

// Post emits an event that is not tied to a single participant, such as
// call lifecycle changes.
func (t *Table) Post(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notify(evt)
}

// Subscribe returns a channel of change events. Slow subscribers lose
// events rather than blocking state mutation.
func (t *Table) Subscribe() chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe closes and removes a subscription channel.
func (t *Table) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Table) notify(evt Event) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

package signal

import (
	"context"
	"errors"
	"log"
	"sync"
)

// eventCap bounds the per-handle dispatch queue; events beyond it are
// dropped, matching the bus's best-effort delivery contract.
const eventCap = 64

// MemoryBus is an in-process bus: every handle opened on the same room sees
// the other handles' broadcasts and presence. It backs the package tests and
// single-host loopback calls; semantics mirror the production bus, including
// the no-self-delivery rule for broadcasts.
type MemoryBus struct {
	mu    sync.Mutex
	rooms map[string]map[string]*memHandle // room -> selfID -> handle
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{rooms: make(map[string]map[string]*memHandle)}
}

// Open registers a handle in the room. A second Open with the same selfID in
// the same room replaces the previous handle, which stops receiving events.
func (b *MemoryBus) Open(_ context.Context, room, selfID string, h Handlers) (Handle, error) {
	if room == "" || selfID == "" {
		return nil, errors.New("failed to join signaling room: empty room or participant id")
	}

	mh := &memHandle{
		bus:      b,
		room:     room,
		selfID:   selfID,
		handlers: h,
		events:   make(chan func(), eventCap),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go mh.dispatchLoop()

	b.mu.Lock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]*memHandle)
		b.rooms[room] = members
	}
	if old, ok := members[selfID]; ok {
		old.markClosed()
	}
	members[selfID] = mh
	b.mu.Unlock()

	return mh, nil
}

type memHandle struct {
	bus      *MemoryBus
	room     string
	selfID   string
	handlers Handlers

	events  chan func()
	done    chan struct{}
	stopped chan struct{}

	mu      sync.Mutex
	closed  bool
	tracked bool
	meta    JoinMeta
}

// Track announces presence and fires a sync snapshot on every room member.
func (h *memHandle) Track(meta JoinMeta) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("channel closed")
	}
	h.tracked = true
	h.meta = meta
	h.mu.Unlock()

	h.bus.syncRoom(h.room)
	return nil
}

// Broadcast fans the envelope out to every other member of the room.
func (h *memHandle) Broadcast(env Envelope) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("channel closed")
	}
	h.mu.Unlock()

	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	for id, member := range h.bus.rooms[h.room] {
		if id == h.selfID {
			continue // broadcast never echoes to the sender
		}
		member.deliver(func(m *memHandle) {
			if m.handlers.Message != nil {
				m.handlers.Message(env)
			}
		})
	}
	return nil
}

// Close unregisters the handle and waits for the dispatch goroutine to
// finish, so no handler is still running when it returns. Must not be
// called from inside a handler. Other members observe a presence leave
// followed by a fresh sync.
func (h *memHandle) Close() error {
	h.bus.mu.Lock()
	if members, ok := h.bus.rooms[h.room]; ok && members[h.selfID] == h {
		delete(members, h.selfID)
		if len(members) == 0 {
			delete(h.bus.rooms, h.room)
		}
	}
	h.bus.mu.Unlock()

	h.mu.Lock()
	wasTracked := h.tracked && !h.closed
	h.mu.Unlock()

	h.markClosed()
	<-h.stopped

	if wasTracked {
		h.bus.leaveRoom(h.room, h.selfID)
	}
	return nil
}

func (h *memHandle) markClosed() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	close(h.done)
}

// deliver queues fn on the handle's dispatch goroutine. Drops when the
// handle is closed or its queue is full.
func (h *memHandle) deliver(fn func(*memHandle)) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	select {
	case h.events <- func() { fn(h) }:
	default:
		log.Printf("SIGNAL [%s]: event queue full, dropping", h.room)
	}
}

func (h *memHandle) dispatchLoop() {
	defer close(h.stopped)
	for {
		select {
		case <-h.done:
			return
		case fn := <-h.events:
			// Re-check: Close may have raced the queued event.
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed {
				return
			}
			fn()
		}
	}
}

// syncRoom snapshots the tracked members and fires PresenceSync on everyone.
func (b *MemoryBus) syncRoom(room string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make(map[string]JoinMeta)
	for id, m := range b.rooms[room] {
		m.mu.Lock()
		if m.tracked {
			snapshot[id] = m.meta
		}
		m.mu.Unlock()
	}
	for _, m := range b.rooms[room] {
		snap := cloneSnapshot(snapshot)
		m.deliver(func(mh *memHandle) {
			if mh.handlers.PresenceSync != nil {
				mh.handlers.PresenceSync(snap)
			}
		})
	}
}

// leaveRoom fires PresenceLeave for id on the remaining members, then a sync.
func (b *MemoryBus) leaveRoom(room, id string) {
	b.mu.Lock()
	for _, m := range b.rooms[room] {
		m.deliver(func(mh *memHandle) {
			if mh.handlers.PresenceLeave != nil {
				mh.handlers.PresenceLeave(id)
			}
		})
	}
	b.mu.Unlock()

	b.syncRoom(room)
}

func cloneSnapshot(in map[string]JoinMeta) map[string]JoinMeta {
	out := make(map[string]JoinMeta, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

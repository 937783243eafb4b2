package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Wire-level defaults for the GossipSub bus.
const (
	// DefaultTopicPrefix scopes room topics; versioned so incompatible
	// envelope changes can bump it without colliding with old clients.
	DefaultTopicPrefix = "callmesh.room.v1."

	// DefaultPresenceTTL is how long a member stays in the roster without a
	// fresh beacon. Abrupt process death is only detected this way; explicit
	// leave is immediate.
	DefaultPresenceTTL = 15 * time.Second

	// DefaultHeartbeat is the beacon republish interval.
	DefaultHeartbeat = 5 * time.Second
)

// PubSubBus runs room signaling over a GossipSub topic per room. Presence is
// derived from periodic join beacons with TTL expiry; broadcasts are plain
// envelopes on the same topic. Delivery is best effort and unordered, which
// is all the negotiation layer assumes.
type PubSubBus struct {
	ps        *pubsub.PubSub
	prefix    string
	ttl       time.Duration
	heartbeat time.Duration
}

// NewPubSubBus wraps ps. Zero ttl/heartbeat select the defaults.
func NewPubSubBus(ps *pubsub.PubSub, prefix string, ttl, heartbeat time.Duration) *PubSubBus {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &PubSubBus{ps: ps, prefix: prefix, ttl: ttl, heartbeat: heartbeat}
}

// wireMsg is the single message type on a room topic: exactly one of the
// two fields is set.
type wireMsg struct {
	Presence *presenceBeacon `json:"presence,omitempty"`
	Envelope *Envelope       `json:"envelope,omitempty"`
}

// presenceBeacon announces (or withdraws) room membership.
type presenceBeacon struct {
	ID      string   `json:"id"`
	Meta    JoinMeta `json:"meta"`
	Leaving bool     `json:"leaving,omitempty"`
	TS      int64    `json:"ts"`
}

type rosterEntry struct {
	meta     JoinMeta
	lastSeen time.Time
}

// Open joins the room topic and starts the event loop. The returned handle
// delivers all callbacks from one goroutine.
func (b *PubSubBus) Open(ctx context.Context, room, selfID string, h Handlers) (Handle, error) {
	if room == "" || selfID == "" {
		return nil, errors.New("failed to join signaling room: empty room or participant id")
	}

	topic, err := b.ps.Join(b.prefix + room)
	if err != nil {
		return nil, fmt.Errorf("failed to join signaling room %q: %w", room, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("failed to join signaling room %q: %w", room, err)
	}

	hctx, cancel := context.WithCancel(context.Background())
	ph := &pubsubHandle{
		bus:      b,
		room:     room,
		selfID:   selfID,
		handlers: h,
		topic:    topic,
		sub:      sub,
		ctx:      hctx,
		cancel:   cancel,
		msgs:     make(chan *wireMsg, eventCap),
		track:    make(chan JoinMeta, 1),
		roster:   make(map[string]rosterEntry),
		stopped:  make(chan struct{}),
	}
	go ph.pump()
	go ph.loop()

	log.Printf("SIGNAL [%s]: joined room topic as %s", room, shortID(selfID))
	return ph, nil
}

type pubsubHandle struct {
	bus      *PubSubBus
	room     string
	selfID   string
	handlers Handlers
	topic    *pubsub.Topic
	sub      *pubsub.Subscription
	ctx      context.Context
	cancel   context.CancelFunc

	msgs  chan *wireMsg
	track chan JoinMeta

	// loop-goroutine state; no lock needed.
	roster  map[string]rosterEntry
	tracked bool
	meta    JoinMeta

	closeMu sync.Mutex
	closed  bool
	stopped chan struct{}
}

// Track announces presence. The beacon is applied to the local roster by the
// event loop so the caller observes its own entry in the next sync.
func (h *pubsubHandle) Track(meta JoinMeta) error {
	h.closeMu.Lock()
	closed := h.closed
	h.closeMu.Unlock()
	if closed {
		return errors.New("channel closed")
	}

	select {
	case h.track <- meta:
	default:
	}
	return h.publish(&wireMsg{Presence: &presenceBeacon{
		ID:   h.selfID,
		Meta: meta,
		TS:   time.Now().UnixMilli(),
	}})
}

// Broadcast publishes an envelope to the room topic.
func (h *pubsubHandle) Broadcast(env Envelope) error {
	h.closeMu.Lock()
	closed := h.closed
	h.closeMu.Unlock()
	if closed {
		return errors.New("channel closed")
	}
	return h.publish(&wireMsg{Envelope: &env})
}

// Close withdraws presence, cancels the subscription, and waits for the
// event loop to exit so no callback fires after it returns. Must not be
// called from inside a handler.
func (h *pubsubHandle) Close() error {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return nil
	}
	h.closed = true
	h.closeMu.Unlock()

	// Best effort: tell the room we are leaving before tearing down.
	_ = h.publish(&wireMsg{Presence: &presenceBeacon{
		ID:      h.selfID,
		Leaving: true,
		TS:      time.Now().UnixMilli(),
	}})

	h.cancel()
	h.sub.Cancel()
	<-h.stopped
	if err := h.topic.Close(); err != nil {
		log.Printf("SIGNAL [%s]: topic close: %v", h.room, err)
	}
	log.Printf("SIGNAL [%s]: left room topic", h.room)
	return nil
}

func (h *pubsubHandle) publish(m *wireMsg) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return h.topic.Publish(h.ctx, b)
}

// pump reads raw pubsub messages and feeds decoded wire messages to loop.
func (h *pubsubHandle) pump() {
	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			close(h.msgs)
			return
		}
		var wm wireMsg
		if err := json.Unmarshal(msg.Data, &wm); err != nil {
			log.Printf("SIGNAL [%s]: bad wire message from %s: %v", h.room, shortID(msg.ReceivedFrom.String()), err)
			continue
		}
		select {
		case h.msgs <- &wm:
		case <-h.ctx.Done():
			close(h.msgs)
			return
		}
	}
}

// loop is the single dispatch goroutine: roster bookkeeping, heartbeats,
// TTL pruning, and handler callbacks all run here.
func (h *pubsubHandle) loop() {
	defer close(h.stopped)

	beat := time.NewTicker(h.bus.heartbeat)
	defer beat.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return

		case meta := <-h.track:
			h.tracked = true
			h.meta = meta
			h.applyBeacon(&presenceBeacon{ID: h.selfID, Meta: meta})

		case wm, ok := <-h.msgs:
			if !ok {
				return
			}
			h.handleWire(wm)

		case <-beat.C:
			if h.tracked {
				_ = h.publish(&wireMsg{Presence: &presenceBeacon{
					ID:   h.selfID,
					Meta: h.meta,
					TS:   time.Now().UnixMilli(),
				}})
			}
			h.prune()
		}
	}
}

func (h *pubsubHandle) handleWire(wm *wireMsg) {
	switch {
	case wm.Presence != nil:
		b := wm.Presence
		if b.ID == "" {
			return
		}
		if b.Leaving {
			if b.ID != h.selfID {
				h.dropMember(b.ID)
			}
			return
		}
		h.applyBeacon(b)

	case wm.Envelope != nil:
		env := *wm.Envelope
		if err := env.Validate(); err != nil {
			log.Printf("SIGNAL [%s]: dropping envelope: %v", h.room, err)
			return
		}
		if env.From == h.selfID {
			return // own broadcast echoed back by the mesh
		}
		// A leave envelope doubles as a presence withdrawal.
		if env.Kind == KindLeave {
			h.dropMember(env.From)
		}
		if h.handlers.Message != nil {
			h.handlers.Message(env)
		}
	}
}

// applyBeacon upserts a roster entry and fires a sync. Syncs repeat on
// every beacon, not just on membership change; consumers are idempotent
// under repeated snapshots, and the repetition lets a negotiation that
// missed its first window start on a later heartbeat.
func (h *pubsubHandle) applyBeacon(b *presenceBeacon) {
	h.roster[b.ID] = rosterEntry{meta: b.Meta, lastSeen: time.Now()}
	h.fireSync()
}

func (h *pubsubHandle) dropMember(id string) {
	if _, ok := h.roster[id]; !ok {
		return
	}
	delete(h.roster, id)
	if h.handlers.PresenceLeave != nil {
		h.handlers.PresenceLeave(id)
	}
	h.fireSync()
}

// prune expires members whose beacons stopped. The local entry never
// expires; it is refreshed on every heartbeat tick.
func (h *pubsubHandle) prune() {
	cutoff := time.Now().Add(-h.bus.ttl)
	for id, e := range h.roster {
		if id == h.selfID {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			log.Printf("SIGNAL [%s]: presence expired for %s", h.room, shortID(id))
			h.dropMember(id)
		}
	}
}

func (h *pubsubHandle) fireSync() {
	if h.handlers.PresenceSync == nil {
		return
	}
	snap := make(map[string]JoinMeta, len(h.roster))
	for id, e := range h.roster {
		snap[id] = e.meta
	}
	h.handlers.PresenceSync(snap)
}

// shortID trims a participant id for log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

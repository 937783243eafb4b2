// Package call owns one room call end to end: local capture, the signaling
// channel, the peer session pool, and the negotiation coordinator. It is the
// only package with teardown authority, and it tears down in a fixed order:
// peer sessions, then local tracks, then the bus subscription, so no
// signaling event can race a dying call back to life.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callmesh/internal/ice"
	"github.com/petervdpas/callmesh/internal/media"
	"github.com/petervdpas/callmesh/internal/negotiate"
	"github.com/petervdpas/callmesh/internal/pool"
	"github.com/petervdpas/callmesh/internal/rtc"
	"github.com/petervdpas/callmesh/internal/signal"
	"github.com/petervdpas/callmesh/internal/state"
)

// Controller runs the call lifecycle for one room.
type Controller struct {
	room     string
	selfID   string
	bus      signal.Bus
	resolver ice.Resolver
	capturer media.Capturer

	pool  *pool.Pool
	coord *negotiate.Coordinator
	table *state.Table

	mu        sync.Mutex
	starting  bool
	inCall    bool
	handle    signal.Handle
	local     *media.Stream
	muted     bool
	cameraOff bool
	errMsg    string
}

// Snapshot is the outward call state for presentation layers.
type Snapshot struct {
	InCall    bool
	Muted     bool
	CameraOff bool
	Err       string
	Local     *media.Stream
	Remotes   []state.Participant
}

// New wires a controller for room. selfID is the stable local participant
// identity; it doubles as the presence key and the negotiation tie-break
// token.
func New(room, selfID string, bus signal.Bus, resolver ice.Resolver, capturer media.Capturer, factory rtc.Factory) *Controller {
	c := &Controller{
		room:     room,
		selfID:   selfID,
		bus:      bus,
		resolver: resolver,
		capturer: capturer,
		pool:     pool.New(factory),
		table:    state.NewTable(),
	}
	c.coord = negotiate.New(selfID, c.pool, c.broadcast)

	c.pool.OnRemoteTrack(func(peerID string, stream *media.RemoteStream) {
		c.table.Upsert(peerID, stream)
	})
	c.pool.OnClosed(func(peerID string) {
		c.table.Remove(peerID)
	})
	c.pool.OnCandidate(func(peerID string, cand webrtc.ICECandidateInit) {
		err := c.broadcast(signal.Envelope{
			Kind:      signal.KindICE,
			From:      selfID,
			To:        peerID,
			Candidate: &cand,
		})
		if err != nil {
			log.Printf("CALL [%s]: forwarding candidate to %s: %v", room, shortID(peerID), err)
		}
	})

	return c
}

// Start resolves ICE servers, acquires local capture, and joins the room's
// signaling channel with presence tracking. Non-reentrant: a Start while
// one is already in flight (or while in a call) is ignored. Any failure
// surfaces one error, runs the full End teardown, and leaves the
// controller idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || c.inCall {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	c.errMsg = ""
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	servers := c.resolver.Resolve(ctx)

	stream, err := c.capturer.Capture()
	if err != nil {
		return c.fail(fmt.Errorf("capture local media: %w", err))
	}
	c.mu.Lock()
	c.local = stream
	c.mu.Unlock()

	c.pool.Configure(rtc.Config{ICEServers: servers}, stream)

	handle, err := c.bus.Open(ctx, c.room, c.selfID, signal.Handlers{
		PresenceSync:  c.onPresenceSync,
		PresenceLeave: c.onPresenceLeave,
		Message:       c.onMessage,
	})
	if err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.handle = handle
	c.inCall = true
	c.mu.Unlock()

	// Presence announcement is best effort, like the rest of the bus.
	if err := handle.Track(signal.JoinMeta{JoinedAt: time.Now().UnixMilli()}); err != nil {
		log.Printf("CALL [%s]: presence track: %v", c.room, err)
	}

	c.table.Post(state.Event{Type: state.EventCallStarted})
	log.Printf("CALL [%s]: started as %s", c.room, shortID(c.selfID))
	return nil
}

// End tears the call down: every peer session, every local track, then the
// bus subscription, then all collections. Idempotent and safe from any
// state, including a partially failed Start.
func (c *Controller) End() {
	c.mu.Lock()
	wasInCall := c.inCall
	handle := c.handle
	local := c.local
	c.inCall = false
	c.handle = nil
	c.local = nil
	c.mu.Unlock()

	// Sessions first: no transport may outlive its room membership.
	c.pool.CloseAll()

	local.Stop()

	if handle != nil {
		_ = handle.Broadcast(signal.Envelope{Kind: signal.KindLeave, From: c.selfID})
		if err := handle.Close(); err != nil {
			log.Printf("CALL [%s]: bus close: %v", c.room, err)
		}
		// Close drained the dispatch goroutine. Sweep any session created
		// by an event that slipped in between teardown start and the drain.
		c.pool.CloseAll()
	}

	c.coord.Reset()
	c.table.Clear()

	if wasInCall {
		c.table.Post(state.Event{Type: state.EventCallEnded})
		log.Printf("CALL [%s]: ended", c.room)
	}
}

// ToggleMute flips the enabled flag on local audio tracks. No signaling,
// no renegotiation; remote peers just hear silence. Returns the new muted
// state (true = muted).
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return c.muted
	}
	c.muted = !c.muted
	c.local.SetAudioEnabled(!c.muted)
	log.Printf("CALL [%s]: audio muted=%v", c.room, c.muted)
	return c.muted
}

// ToggleCamera flips the enabled flag on local video tracks. Remote peers
// see a frozen frame; no signaling round trip. Returns the new camera-off
// state (true = off).
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return c.cameraOff
	}
	c.cameraOff = !c.cameraOff
	c.local.SetVideoEnabled(!c.cameraOff)
	log.Printf("CALL [%s]: video disabled=%v", c.room, c.cameraOff)
	return c.cameraOff
}

// Snapshot returns the current outward state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		InCall:    c.inCall,
		Muted:     c.muted,
		CameraOff: c.cameraOff,
		Err:       c.errMsg,
		Local:     c.local,
		Remotes:   c.table.Snapshot(),
	}
}

// Remotes returns the current remote participant list.
func (c *Controller) Remotes() []state.Participant { return c.table.Snapshot() }

// Subscribe returns a channel of state change events for UI layers.
func (c *Controller) Subscribe() chan state.Event { return c.table.Subscribe() }

// Unsubscribe releases a Subscribe channel.
func (c *Controller) Unsubscribe(ch chan state.Event) { c.table.Unsubscribe(ch) }

// Err returns the last setup failure, if any.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// fail records a setup failure and runs the End teardown so no partial
// setup is left dangling.
func (c *Controller) fail(err error) error {
	c.End()
	c.mu.Lock()
	c.errMsg = err.Error()
	c.mu.Unlock()
	log.Printf("CALL [%s]: start failed: %v", c.room, err)
	return err
}

// active reports whether signaling events should still be processed. Set
// false at the top of End, before teardown begins, so no event can
// re-create a session mid-teardown.
func (c *Controller) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCall
}

func (c *Controller) onPresenceSync(peers map[string]signal.JoinMeta) {
	if !c.active() {
		return
	}
	c.coord.HandlePresenceSync(peers)
}

func (c *Controller) onPresenceLeave(id string) {
	if !c.active() {
		return
	}
	c.coord.HandlePresenceLeave(id)
}

func (c *Controller) onMessage(env signal.Envelope) {
	if !c.active() {
		return
	}
	c.coord.HandleEnvelope(env)
}

// broadcast sends an envelope on the current room channel. Envelopes after
// teardown are dropped with an error rather than reviving the channel.
func (c *Controller) broadcast(env signal.Envelope) error {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle == nil {
		return errors.New("no open signaling channel")
	}
	return handle.Broadcast(env)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

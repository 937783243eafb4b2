package signal

import "context"

// Handlers receives room events. All three callbacks are invoked from a
// single per-handle dispatch goroutine, so handlers never race each other.
type Handlers struct {
	// PresenceSync fires with a full membership snapshot whenever the
	// roster changes (including the local participant's own entry).
	PresenceSync func(peers map[string]JoinMeta)

	// PresenceLeave fires once when a participant leaves the room.
	PresenceLeave func(id string)

	// Message fires for every broadcast envelope from another participant.
	Message func(env Envelope)
}

// Bus opens signaling channels scoped to a room. Implementations: the
// in-process memory bus (tests, single-host loopback) and the GossipSub bus.
type Bus interface {
	// Open subscribes to the room and starts event delivery. A fresh handle
	// is created per call attempt; failure to subscribe is reported here and
	// never retried by this layer.
	Open(ctx context.Context, room, selfID string, h Handlers) (Handle, error)
}

// Handle is one open room subscription.
type Handle interface {
	// Track announces the local participant's presence metadata.
	Track(meta JoinMeta) error

	// Broadcast sends an envelope to every other current subscriber,
	// best effort.
	Broadcast(env Envelope) error

	// Close unsubscribes and releases the channel. Idempotent; no event is
	// delivered after Close returns.
	Close() error
}

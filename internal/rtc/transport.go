// Package rtc wraps the offer/answer media transport primitive. The pool
// holds one Transport per remote peer; everything above it talks to this
// interface so negotiation logic stays independent of pion internals.
package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callmesh/internal/media"
)

// Config parameterizes transport construction for one call.
type Config struct {
	// ICEServers always contains at least one STUN entry; TURN entries are
	// present only when the resolver supplied credentials.
	ICEServers []webrtc.ICEServer

	// Engine registers capture codecs; nil selects the default codec set.
	Engine func(*webrtc.MediaEngine) error
}

// Transport is one SDP offer/answer session with ICE trickling. Callback
// registration with a nil func detaches the handler; a detached transport
// fires nothing, which is how the pool guarantees no late callback after
// removal.
type Transport interface {
	AddTrack(t *media.Track) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error

	// HasRemoteDescription reports whether any remote description (pending
	// or current) has been applied.
	HasRemoteDescription() bool

	AddICECandidate(c webrtc.ICECandidateInit) error
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(media.RemoteTrack))

	Close() error
}

// Factory builds a Transport for a new peer session. Production uses
// NewPion; tests substitute fakes.
type Factory func(cfg Config) (Transport, error)

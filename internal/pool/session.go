package pool

import (
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callmesh/internal/media"
	"github.com/petervdpas/callmesh/internal/rtc"
)

// Session is one peer's media transport plus the remote stream received
// from it. Negotiation state lives in the transport; the coordinator drives
// it exclusively through these methods.
type Session struct {
	peerID string
	tr     rtc.Transport
	remote *media.RemoteStream

	mu     sync.Mutex
	closed bool
}

// PeerID returns the remote participant this session connects to.
func (s *Session) PeerID() string { return s.peerID }

// Remote returns the stream accumulated from received tracks. A session
// that received zero tracks contributes no remote participant record.
func (s *Session) Remote() *media.RemoteStream { return s.remote }

// CreateOffer builds an offer requesting send and receive of audio+video.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	return s.tr.CreateOffer()
}

// CreateAnswer builds the answer to a previously applied remote offer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.tr.CreateAnswer()
}

// SetLocalDescription applies sd locally.
func (s *Session) SetLocalDescription(sd webrtc.SessionDescription) error {
	return s.tr.SetLocalDescription(sd)
}

// SetRemoteDescription applies sd as the remote description.
func (s *Session) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return s.tr.SetRemoteDescription(sd)
}

// HasRemoteDescription reports whether a remote description was applied.
// The coordinator uses this both as the duplicate-answer guard and as the
// "safe to add candidates now" check.
func (s *Session) HasRemoteDescription() bool {
	return s.tr.HasRemoteDescription()
}

// AddCandidate feeds a remote ICE candidate to the transport. Candidates
// for a closed session are dropped.
func (s *Session) AddCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("session closed")
	}
	return s.tr.AddICECandidate(c)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close detaches event handlers before closing the transport, so no late
// callback fires after the session is removed from the pool. Idempotent;
// transport close errors are swallowed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.tr.OnICECandidate(nil)
	s.tr.OnTrack(nil)
	if err := s.tr.Close(); err != nil {
		log.Printf("POOL [%s]: transport close: %v", shortID(s.peerID), err)
	}
}

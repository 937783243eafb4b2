// Package pool owns the live peer sessions of a call: one media transport
// per remote participant, keyed by that participant's identity. The session
// map is the single source of truth for "who do we have a transport with";
// the remote participant list shown outward is a pure projection of it.
package pool

import (
	"log"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callmesh/internal/media"
	"github.com/petervdpas/callmesh/internal/rtc"
)

// Pool creates, tracks, and tears down peer sessions.
type Pool struct {
	factory rtc.Factory

	mu       sync.RWMutex
	cfg      rtc.Config
	local    *media.Stream
	sessions map[string]*Session

	onTrack     func(peerID string, stream *media.RemoteStream)
	onCandidate func(peerID string, c webrtc.ICECandidateInit)
	onClosed    func(peerID string)
}

// New creates an empty pool that builds transports with factory.
func New(factory rtc.Factory) *Pool {
	return &Pool{
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// Configure sets the transport config and local stream for the next call.
// Called once per call start, before any session exists.
func (p *Pool) Configure(cfg rtc.Config, local *media.Stream) {
	p.mu.Lock()
	p.cfg = cfg
	p.local = local
	if local != nil {
		p.cfg.Engine = local.Engine
	}
	p.mu.Unlock()
}

// OnRemoteTrack registers the callback fired when a session's remote stream
// gains a track. Fired with the session's accumulated stream.
func (p *Pool) OnRemoteTrack(fn func(peerID string, stream *media.RemoteStream)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// OnCandidate registers the callback for locally generated ICE candidates.
// Candidates surfacing after the owning session closed are dropped, never
// forwarded.
func (p *Pool) OnCandidate(fn func(peerID string, c webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

// OnClosed registers the callback fired after a session is removed.
func (p *Pool) OnClosed(fn func(peerID string)) {
	p.mu.Lock()
	p.onClosed = fn
	p.mu.Unlock()
}

// GetOrCreate returns the existing session for peerID or creates one. A new
// session is configured with the current ICE servers and has every captured
// local track attached before it is visible, so tracks are never missing
// from a subsequently created offer.
func (p *Pool) GetOrCreate(peerID string) (*Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[peerID]; ok {
		p.mu.Unlock()
		return s, nil
	}
	cfg := p.cfg
	local := p.local
	p.mu.Unlock()

	// Build outside the lock: transport construction can be slow. The
	// store below re-checks for a racing create.
	tr, err := p.factory(cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		peerID: peerID,
		tr:     tr,
		remote: media.NewRemoteStream(peerID),
	}
	for _, t := range local.Tracks() {
		if err := tr.AddTrack(t); err != nil {
			log.Printf("POOL [%s]: attach local track: %v", shortID(peerID), err)
		}
	}

	tr.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if s.isClosed() {
			return
		}
		p.mu.RLock()
		fn := p.onCandidate
		p.mu.RUnlock()
		if fn != nil {
			fn(peerID, c)
		}
	})
	tr.OnTrack(func(t media.RemoteTrack) {
		if s.isClosed() {
			return
		}
		s.remote.AddTrack(t)
		p.mu.RLock()
		fn := p.onTrack
		p.mu.RUnlock()
		if fn != nil {
			fn(peerID, s.remote)
		}
	})

	p.mu.Lock()
	if racing, ok := p.sessions[peerID]; ok {
		// Someone stored a session for this peer while we were building.
		// Theirs wins; ours is discarded quietly.
		p.mu.Unlock()
		s.Close()
		return racing, nil
	}
	p.sessions[peerID] = s
	p.mu.Unlock()

	log.Printf("POOL [%s]: session created", shortID(peerID))
	return s, nil
}

// Get returns the session for peerID, if any.
func (p *Pool) Get(peerID string) (*Session, bool) {
	p.mu.RLock()
	s, ok := p.sessions[peerID]
	p.mu.RUnlock()
	return s, ok
}

// Close tears down the session for peerID. No-op when none exists.
func (p *Pool) Close(peerID string) {
	p.mu.Lock()
	s, ok := p.sessions[peerID]
	if ok {
		delete(p.sessions, peerID)
	}
	onClosed := p.onClosed
	p.mu.Unlock()
	if !ok {
		return
	}

	s.Close()
	log.Printf("POOL [%s]: session closed", shortID(peerID))
	if onClosed != nil {
		onClosed(peerID)
	}
}

// CloseAll tears down every session. Close errors are swallowed so teardown
// always completes.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	onClosed := p.onClosed
	p.mu.Unlock()

	for id, s := range sessions {
		s.Close()
		if onClosed != nil {
			onClosed(id)
		}
	}
	if len(sessions) > 0 {
		log.Printf("POOL: closed %d sessions", len(sessions))
	}
}

// Len returns the number of live sessions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// IDs returns the peer ids with live sessions, sorted.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Strings(out)
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

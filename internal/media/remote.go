package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is one media track received from a peer session.
type RemoteTrack struct {
	ID   string
	Kind webrtc.RTPCodecType

	// Source is the underlying pion track when the session runs on a real
	// transport; nil otherwise.
	Source *webrtc.TrackRemote

	// Packets buffers the most recent RTP packets from the track so that
	// consumers attaching late (preview, recorder) can catch up. Nil when
	// the transport does not pump packets.
	Packets *PacketRing
}

// RemoteStream accumulates the tracks received from one peer. It backs
// exactly one remote participant record once it holds at least one track.
type RemoteStream struct {
	mu     sync.Mutex
	peerID string
	tracks []RemoteTrack
}

// NewRemoteStream creates an empty remote stream for peerID.
func NewRemoteStream(peerID string) *RemoteStream {
	return &RemoteStream{peerID: peerID}
}

// PeerID returns the owning peer's identity.
func (r *RemoteStream) PeerID() string { return r.peerID }

// AddTrack records a received track.
func (r *RemoteStream) AddTrack(t RemoteTrack) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

// Tracks returns a copy of the received tracks.
func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// Len returns the number of received tracks.
func (r *RemoteStream) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

// PacketRing is a fixed-capacity circular buffer of RTP packets. When full,
// Push overwrites the oldest packet. Safe for concurrent use: the transport
// read loop pushes while consumers snapshot.
type PacketRing struct {
	mu    sync.RWMutex
	buf   []*rtp.Packet
	head  int
	count int
}

// NewPacketRing creates a ring holding up to capacity packets.
func NewPacketRing(capacity int) *PacketRing {
	return &PacketRing{buf: make([]*rtp.Packet, capacity)}
}

// Push appends a packet, overwriting the oldest if full.
func (r *PacketRing) Push(p *rtp.Packet) {
	r.mu.Lock()
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = p
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns the buffered packets in arrival order, oldest first.
func (r *PacketRing) Snapshot() []*rtp.Packet {
	r.mu.RLock()
	out := make([]*rtp.Packet, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of buffered packets.
func (r *PacketRing) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}

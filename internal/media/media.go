// Package media models local capture and remote playback streams for calls.
// A local Stream is shared read-only across every peer session; muting and
// camera toggles flip per-track enabled flags without touching negotiation.
package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is one local capture track (audio or video). The same Track is
// attached to every peer session, so flipping Enabled is visible to all
// remote peers at once with no signaling round trip.
type Track struct {
	kind  webrtc.RTPCodecType
	local webrtc.TrackLocal // nil when no real capture backs this track

	mu      sync.Mutex
	enabled bool
	stopFn  func()
	stopped bool
}

// NewTrack wraps a local capture track. The track handed to peer sessions
// is gated on the enabled flag, so disabling stops outbound packets without
// renegotiating. stopFn releases the underlying device track and may be nil.
func NewTrack(kind webrtc.RTPCodecType, local webrtc.TrackLocal, stopFn func()) *Track {
	t := &Track{kind: kind, enabled: true, stopFn: stopFn}
	if local != nil {
		t.local = &gatedLocal{TrackLocal: local, enabled: t.Enabled}
	}
	return t
}

// Kind reports whether this is an audio or video track.
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Local returns the gated webrtc track to attach to sessions, or nil if no
// capture backs this track.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// SetEnabled flips the mute/camera flag. The flag gates outbound packets in
// the attached track's write path; the session itself is never renegotiated.
func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

// Enabled reports whether the track is currently live (not muted/off).
func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stop releases the underlying device track. Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	fn := t.stopFn
	done := t.stopped
	t.stopped = true
	t.mu.Unlock()
	if done || fn == nil {
		return
	}
	fn()
}

// Stream is the local capture stream: zero or more tracks. A Stream with no
// tracks is a valid receive-only capture result.
type Stream struct {
	tracks []*Track

	// Engine, when non-nil, registers the capture codecs on the MediaEngine
	// of every peer session created while this stream is live. Device capture
	// sets it to the mediadevices codec selector; without it the transport
	// registers the default codecs.
	Engine func(*webrtc.MediaEngine) error
}

// NewStream builds a stream from the given tracks.
func NewStream(tracks ...*Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns all tracks.
func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	return s.tracks
}

// AudioTracks returns the audio tracks only.
func (s *Stream) AudioTracks() []*Track { return s.kindTracks(webrtc.RTPCodecTypeAudio) }

// VideoTracks returns the video tracks only.
func (s *Stream) VideoTracks() []*Track { return s.kindTracks(webrtc.RTPCodecTypeVideo) }

func (s *Stream) kindTracks(kind webrtc.RTPCodecType) []*Track {
	if s == nil {
		return nil
	}
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// SetAudioEnabled flips every audio track. Used by mute toggles.
func (s *Stream) SetAudioEnabled(on bool) {
	for _, t := range s.AudioTracks() {
		t.SetEnabled(on)
	}
}

// SetVideoEnabled flips every video track. Used by camera toggles.
func (s *Stream) SetVideoEnabled(on bool) {
	for _, t := range s.VideoTracks() {
		t.SetEnabled(on)
	}
}

// Stop releases all underlying device tracks.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.tracks {
		t.Stop()
	}
}

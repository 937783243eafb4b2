package media

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// gatedLocal wraps a capture track so outbound packets only reach the wire
// while the owning Track is enabled. The track stays negotiated and the
// encoder keeps running; remote peers hear silence or see a frozen frame
// until the flag flips back.
type gatedLocal struct {
	webrtc.TrackLocal
	enabled func() bool
}

// Bind interposes the write stream handed to the capture pipeline.
func (g *gatedLocal) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return g.TrackLocal.Bind(&gatedContext{TrackLocalContext: ctx, enabled: g.enabled})
}

func (g *gatedLocal) Unbind(ctx webrtc.TrackLocalContext) error {
	return g.TrackLocal.Unbind(ctx)
}

type gatedContext struct {
	webrtc.TrackLocalContext
	enabled func() bool
}

func (c *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return &gatedWriter{next: c.TrackLocalContext.WriteStream(), enabled: c.enabled}
}

type gatedWriter struct {
	next    webrtc.TrackLocalWriter
	enabled func() bool
}

// WriteRTP reports the packet as written while the track is disabled, so
// the capture pipeline never sees an error; the packet just never leaves.
func (w *gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.enabled() {
		return len(payload), nil
	}
	return w.next.WriteRTP(header, payload)
}

func (w *gatedWriter) Write(b []byte) (int, error) {
	if !w.enabled() {
		return len(b), nil
	}
	return w.next.Write(b)
}

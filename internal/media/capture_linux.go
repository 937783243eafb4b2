//go:build linux

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// Capture opens camera and microphone via pion/mediadevices (V4L2 + malgo).
//
// GetUserMedia fails as a unit if either track (video OR audio) can't be
// opened. Try video+audio first, then video-only, then audio-only so that a
// missing/busy microphone doesn't prevent the camera from working and vice
// versa. Only when every attempt fails is an error returned; the caller
// treats that as a setup failure.
func (c *DeviceCapturer) Capture() (*Stream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("MEDIA: no capture devices found")
	} else {
		for _, d := range devices {
			log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640x480 to keep VP8 encoding latency down.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		ms, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		var tracks []*Track
		for _, mt := range ms.GetTracks() {
			mt.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			tracks = append(tracks, NewTrack(mt.Kind(), mt, func() { mt.Close() }))
		}

		log.Printf("MEDIA: local media captured (%s), %d tracks", a.label, len(tracks))
		s := NewStream(tracks...)
		s.Engine = func(me *webrtc.MediaEngine) error {
			codecSelector.Populate(me)
			return nil
		}
		return s, nil
	}

	return nil, fmt.Errorf("all media capture attempts failed: %w", lastErr)
}

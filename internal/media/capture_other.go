//go:build !linux

package media

import "log"

// Capture returns an empty stream on non-Linux platforms. Camera/mic capture
// requires platform drivers (V4L2/malgo on Linux); elsewhere the call runs
// receive-only and still renders remote media.
func (c *DeviceCapturer) Capture() (*Stream, error) {
	log.Printf("MEDIA: no capture drivers on this platform, receive-only")
	return NewStream(), nil
}

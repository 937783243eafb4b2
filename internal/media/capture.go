package media

// Capturer acquires the local audio+video capture stream at call start.
// A returned stream with zero tracks means receive-only: the platform has
// no capture drivers but the call can still receive remote media.
type Capturer interface {
	Capture() (*Stream, error)
}

// DeviceCapturer captures camera and microphone through the platform's
// capture drivers. Construction is cheap; devices are opened in Capture.
type DeviceCapturer struct{}

// NewDeviceCapturer returns the platform capturer.
func NewDeviceCapturer() *DeviceCapturer { return &DeviceCapturer{} }

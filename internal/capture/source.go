package capture

import "context"

// Frame is one block of mono float samples in [-1, 1] at the source's native rate
type Frame struct {
	Samples    []float32
	SampleRate int
}

// FrameHandler receives frames as they are captured. It is called on the
// capture goroutine and must not block.
type FrameHandler func(frame Frame)

// Availability is the result of probing a source's capture capability
type Availability struct {
	Available bool
	Reason    string
}

// Available reports a usable capture source
func Available() Availability {
	return Availability{Available: true}
}

// Unavailable reports a missing capture capability with remediation guidance
func Unavailable(reason string) Availability {
	return Availability{Available: false, Reason: reason}
}

// Source is an audio capture capability
type Source interface {
	// Availability reports whether the source can capture at all
	Availability() Availability
	// RequestPermission asks for access to the input device
	RequestPermission(ctx context.Context) bool
	// Start begins delivering frames to onFrame
	Start(onFrame FrameHandler) error
	// Stop ends frame delivery; safe to call when not started
	Stop()
}

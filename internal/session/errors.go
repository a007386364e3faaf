package session

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Start while another start or stop is in flight
	ErrBusy = errors.New("session start or stop already in progress")
	// ErrStartAborted is returned by a Start that was overtaken by Stop
	ErrStartAborted = errors.New("session start aborted")
	// ErrPermissionDenied is returned when microphone access is refused
	ErrPermissionDenied = errors.New("microphone permission denied; allow microphone access and try again")
)

// CapabilityError reports that the capture mechanism is missing on this platform
type CapabilityError struct {
	Reason string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("audio capture unavailable: %s", e.Reason)
}

// ConnectionError reports that the transcription service could not be reached
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to transcription service failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CaptureError reports that audio capture failed to start
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("failed to start audio capture: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// errorType maps an error to the metrics label used for it
func errorType(err error) string {
	var (
		capErr  *CapabilityError
		connErr *ConnectionError
		capture *CaptureError
	)
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.As(err, &capErr):
		return "capability_missing"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &capture):
		return "capture"
	default:
		return "service"
	}
}

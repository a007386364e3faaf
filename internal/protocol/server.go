package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Server message types
const (
	TypeTranscript = "transcript"
	TypeError      = "error"
)

// ErrMalformedMessage is returned when an inbound message cannot be decoded
var ErrMalformedMessage = errors.New("malformed server message")

// Transcript is a recognition result from the service
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence *float64
	Timestamp  float64 // Service timestamp in milliseconds
}

// ServiceError is an error reported explicitly by the service
type ServiceError struct {
	Code    int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("transcription service error %d: %s", e.Code, e.Message)
}

// Fatal reports whether the error ends the session
func (e *ServiceError) Fatal() bool {
	return e.Code >= 500
}

// ServerMessage is a decoded message from the service; exactly one of
// Transcript and Error is set according to Type.
type ServerMessage struct {
	Type       string
	Transcript *Transcript
	Error      *ServiceError
}

// serverWire accepts both the camelCase fields and the snake_case aliases
// emitted by some service builds.
type serverWire struct {
	Type       string   `json:"type"`
	Text       *string  `json:"text"`
	Transcript *string  `json:"transcript"`
	IsFinal    *bool    `json:"isFinal"`
	IsFinalAlt *bool    `json:"is_final"`
	Confidence *float64 `json:"confidence"`
	Timestamp  float64  `json:"timestamp"`
	Code       int      `json:"code"`
	Message    string   `json:"message"`
}

// DecodeServerMessage decodes one text message from the service
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var wire serverWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return ServerMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch wire.Type {
	case TypeTranscript:
		t := &Transcript{
			Confidence: wire.Confidence,
			Timestamp:  wire.Timestamp,
		}
		switch {
		case wire.Text != nil:
			t.Text = *wire.Text
		case wire.Transcript != nil:
			t.Text = *wire.Transcript
		default:
			return ServerMessage{}, fmt.Errorf("%w: transcript without text", ErrMalformedMessage)
		}
		switch {
		case wire.IsFinal != nil:
			t.IsFinal = *wire.IsFinal
		case wire.IsFinalAlt != nil:
			t.IsFinal = *wire.IsFinalAlt
		}
		return ServerMessage{Type: TypeTranscript, Transcript: t}, nil

	case TypeError:
		message := wire.Message
		if message == "" {
			message = "unknown error"
		}
		return ServerMessage{Type: TypeError, Error: &ServiceError{Code: wire.Code, Message: message}}, nil

	case "":
		return ServerMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)

	default:
		return ServerMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, wire.Type)
	}
}

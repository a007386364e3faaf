package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client event names
const (
	EventStartStream = "start_stream"
	EventAudioData   = "audio_data"
	EventEndStream   = "end_stream"
)

// AudioFraming selects how PCM audio travels on the wire.
// One framing is chosen per deployment; the client never switches at runtime.
type AudioFraming int

const (
	// FramingBase64 wraps PCM in a JSON audio_data message with a base64 payload
	FramingBase64 AudioFraming = iota
	// FramingBinary sends PCM as a raw binary frame
	FramingBinary
)

// String returns the configuration name of the framing
func (f AudioFraming) String() string {
	switch f {
	case FramingBase64:
		return "base64"
	case FramingBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// ParseAudioFraming parses "base64" or "binary"
func ParseAudioFraming(s string) (AudioFraming, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base64", "json", "":
		return FramingBase64, nil
	case "binary":
		return FramingBinary, nil
	default:
		return FramingBase64, fmt.Errorf("unknown audio framing %q", s)
	}
}

// Frame is one encoded message ready to be written to the connection
type Frame struct {
	Binary bool
	Data   []byte
}

// ClientMessage is a message sent from the client to the transcription service
type ClientMessage interface {
	Event() string
	Encode(framing AudioFraming) (Frame, error)
}

// StreamConfig describes the audio format announced by start_stream
type StreamConfig struct {
	SampleRate int    `json:"sampleRate"`
	Encoding   string `json:"encoding"`
}

// StartStream announces the audio format; it must precede any audio
type StartStream struct {
	Config StreamConfig
}

// Event returns the event name
func (StartStream) Event() string { return EventStartStream }

// Encode encodes the message as JSON
func (m StartStream) Encode(AudioFraming) (Frame, error) {
	return encodeJSON(startStreamWire{Event: EventStartStream, Config: m.Config})
}

// AudioData carries one frame of PCM16LE audio
type AudioData struct {
	Payload []byte
}

// Event returns the event name
func (AudioData) Event() string { return EventAudioData }

// Encode encodes the audio as a binary frame or a base64 JSON message
func (m AudioData) Encode(framing AudioFraming) (Frame, error) {
	if framing == FramingBinary {
		return Frame{Binary: true, Data: m.Payload}, nil
	}
	return encodeJSON(audioDataWire{
		Event:   EventAudioData,
		Payload: base64.StdEncoding.EncodeToString(m.Payload),
	})
}

// EndStream is the last message sent before the client closes the channel
type EndStream struct {
	Reason string
}

// Event returns the event name
func (EndStream) Event() string { return EventEndStream }

// Encode encodes the message as JSON
func (m EndStream) Encode(AudioFraming) (Frame, error) {
	return encodeJSON(endStreamWire{Event: EventEndStream, Reason: m.Reason})
}

type startStreamWire struct {
	Event  string       `json:"event"`
	Config StreamConfig `json:"config"`
}

type audioDataWire struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

type endStreamWire struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

func encodeJSON(v interface{}) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to encode message: %w", err)
	}
	return Frame{Data: data}, nil
}

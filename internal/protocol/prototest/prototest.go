// Package prototest provides the service side of the wire protocol for
// test servers: decoding client messages and encoding service replies.
package prototest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lexiqai/live-stt-client/internal/protocol"
)

// ClientEnvelope is the decoded form of a JSON client message
type ClientEnvelope struct {
	Event   string                 `json:"event"`
	Config  *protocol.StreamConfig `json:"config,omitempty"`
	Payload string                 `json:"payload,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

// DecodeClientMessage decodes a JSON client message
func DecodeClientMessage(data []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientEnvelope{}, fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
	}
	if env.Event == "" {
		return ClientEnvelope{}, fmt.Errorf("%w: missing event", protocol.ErrMalformedMessage)
	}
	return env, nil
}

// AudioPayload returns the decoded PCM bytes of an audio_data envelope
func (e ClientEnvelope) AudioPayload() ([]byte, error) {
	if e.Event != protocol.EventAudioData {
		return nil, fmt.Errorf("not an audio_data message: %s", e.Event)
	}
	return base64.StdEncoding.DecodeString(e.Payload)
}

// EncodeTranscript encodes a transcript the way the service sends it
func EncodeTranscript(t protocol.Transcript) ([]byte, error) {
	return json.Marshal(struct {
		Type       string   `json:"type"`
		Text       string   `json:"text"`
		IsFinal    bool     `json:"isFinal"`
		Confidence *float64 `json:"confidence,omitempty"`
		Timestamp  float64  `json:"timestamp"`
	}{protocol.TypeTranscript, t.Text, t.IsFinal, t.Confidence, t.Timestamp})
}

// EncodeError encodes a service error the way the service sends it
func EncodeError(e protocol.ServiceError) ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{protocol.TypeError, e.Code, e.Message})
}

package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Carrier media-stream wire format: one JSON envelope per websocket frame,
// discriminated by "event".
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
	EventClear = "clear"
)

type StartPayload struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

type MediaPayload struct {
	Payload string `json:"payload"` // base64 audio
}

type Envelope struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
}

// ParseMessage decodes one inbound carrier frame. Malformed payloads are an
// error for the caller to log and drop, never to propagate.
func ParseMessage(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode media stream frame: %w", err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return Envelope{}, fmt.Errorf("media stream frame missing event")
	}
	return env, nil
}

// DecodeMediaPayload extracts the raw audio bytes from a media frame.
func DecodeMediaPayload(env Envelope) ([]byte, error) {
	if env.Media == nil || env.Media.Payload == "" {
		return nil, fmt.Errorf("media frame missing payload")
	}
	raw, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return raw, nil
}

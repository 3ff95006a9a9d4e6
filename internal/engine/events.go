package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is a decoded engine-protocol frame. One vocabulary serves both
// engine labels; the session manager translates per label.
type Event interface {
	eventType() string
}

// SessionCreatedEvent acknowledges session creation during the handshake.
type SessionCreatedEvent struct {
	SessionID string
}

func (e SessionCreatedEvent) eventType() string { return "session.created" }

type SessionUpdatedEvent struct{}

func (e SessionUpdatedEvent) eventType() string { return "session.updated" }

// SpeechStartedEvent fires when the engine's server VAD detects the start of
// inbound speech. On Engine B this is the recipient starting to talk.
type SpeechStartedEvent struct{}

func (e SpeechStartedEvent) eventType() string { return "input_audio_buffer.speech_started" }

type SpeechStoppedEvent struct{}

func (e SpeechStoppedEvent) eventType() string { return "input_audio_buffer.speech_stopped" }

// InputTranscriptEvent carries the committed transcript of inbound audio in
// its original language.
type InputTranscriptEvent struct {
	Text string
}

func (e InputTranscriptEvent) eventType() string {
	return "conversation.item.input_audio_transcription.completed"
}

// ResponseTextDeltaEvent is an incremental chunk of the generated (translated)
// text for the current response.
type ResponseTextDeltaEvent struct {
	Delta string
}

func (e ResponseTextDeltaEvent) eventType() string { return "response.audio_transcript.delta" }

// ResponseTextDoneEvent carries the full generated text once the response's
// transcript is final.
type ResponseTextDoneEvent struct {
	Text string
}

func (e ResponseTextDoneEvent) eventType() string { return "response.audio_transcript.done" }

// ResponseAudioDeltaEvent carries a chunk of synthesized speech.
type ResponseAudioDeltaEvent struct {
	Audio []byte
}

func (e ResponseAudioDeltaEvent) eventType() string { return "response.audio.delta" }

// ResponseAudioDoneEvent marks the end of audio output for a response.
type ResponseAudioDoneEvent struct{}

func (e ResponseAudioDoneEvent) eventType() string { return "response.audio.done" }

type ResponseDoneEvent struct{}

func (e ResponseDoneEvent) eventType() string { return "response.done" }

type PongEvent struct {
	At time.Time
}

func (e PongEvent) eventType() string { return "pong" }

type ErrorEvent struct {
	Code    string
	Message string
}

func (e ErrorEvent) eventType() string { return "error" }

type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) eventType() string { return e.Type }

func decodeEventFrame(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode engine frame envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("engine frame missing type")
	}

	switch typ {
	case "session.created":
		var frame struct {
			Session struct {
				ID string `json:"id"`
			} `json:"session"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode session.created: %w", err)
		}
		return SessionCreatedEvent{SessionID: frame.Session.ID}, nil
	case "session.updated":
		return SessionUpdatedEvent{}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStartedEvent{}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStoppedEvent{}, nil
	case "conversation.item.input_audio_transcription.completed":
		var frame struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode input transcription: %w", err)
		}
		return InputTranscriptEvent{Text: frame.Transcript}, nil
	case "response.audio_transcript.delta":
		var frame struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode transcript delta: %w", err)
		}
		return ResponseTextDeltaEvent{Delta: frame.Delta}, nil
	case "response.audio_transcript.done":
		var frame struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode transcript done: %w", err)
		}
		return ResponseTextDoneEvent{Text: frame.Transcript}, nil
	case "response.audio.delta":
		var frame struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode audio delta: %w", err)
		}
		audio, err := base64.StdEncoding.DecodeString(frame.Delta)
		if err != nil {
			return nil, fmt.Errorf("decode audio delta payload: %w", err)
		}
		return ResponseAudioDeltaEvent{Audio: audio}, nil
	case "response.audio.done":
		return ResponseAudioDoneEvent{}, nil
	case "response.done":
		return ResponseDoneEvent{}, nil
	case "pong":
		return PongEvent{At: time.Now()}, nil
	case "error":
		var frame struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode error frame: %w", err)
		}
		return ErrorEvent{Code: frame.Error.Code, Message: frame.Error.Message}, nil
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

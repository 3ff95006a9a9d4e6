package engine

import (
	"bytes"
	"testing"
)

func TestDecodeEventFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, ev Event)
	}{
		{
			name:  "session created",
			frame: `{"type":"session.created","session":{"id":"sess_123"}}`,
			check: func(t *testing.T, ev Event) {
				got, ok := ev.(SessionCreatedEvent)
				if !ok || got.SessionID != "sess_123" {
					t.Fatalf("got %#v", ev)
				}
			},
		},
		{
			name:  "speech started",
			frame: `{"type":"input_audio_buffer.speech_started"}`,
			check: func(t *testing.T, ev Event) {
				if _, ok := ev.(SpeechStartedEvent); !ok {
					t.Fatalf("got %#v", ev)
				}
			},
		},
		{
			name:  "input transcription completed",
			frame: `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello there"}`,
			check: func(t *testing.T, ev Event) {
				got, ok := ev.(InputTranscriptEvent)
				if !ok || got.Text != "hello there" {
					t.Fatalf("got %#v", ev)
				}
			},
		},
		{
			name:  "transcript done",
			frame: `{"type":"response.audio_transcript.done","transcript":"안녕하세요"}`,
			check: func(t *testing.T, ev Event) {
				got, ok := ev.(ResponseTextDoneEvent)
				if !ok || got.Text != "안녕하세요" {
					t.Fatalf("got %#v", ev)
				}
			},
		},
		{
			name:  "audio delta decodes base64",
			frame: `{"type":"response.audio.delta","delta":"AQID"}`,
			check: func(t *testing.T, ev Event) {
				got, ok := ev.(ResponseAudioDeltaEvent)
				if !ok || !bytes.Equal(got.Audio, []byte{1, 2, 3}) {
					t.Fatalf("got %#v", ev)
				}
			},
		},
		{
			name:  "error frame",
			frame: `{"type":"error","error":{"code":"rate_limit","message":"slow down"}}`,
			check: func(t *testing.T, ev Event) {
				got, ok := ev.(ErrorEvent)
				if !ok || got.Code != "rate_limit" || got.Message != "slow down" {
					t.Fatalf("got %#v", ev)
				}
			},
		},
		{
			name:  "unrecognized type passes through",
			frame: `{"type":"rate_limits.updated","rate_limits":[]}`,
			check: func(t *testing.T, ev Event) {
				got, ok := ev.(UnknownEvent)
				if !ok || got.Type != "rate_limits.updated" {
					t.Fatalf("got %#v", ev)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := decodeEventFrame([]byte(tc.frame))
			if err != nil {
				t.Fatalf("decodeEventFrame: %v", err)
			}
			tc.check(t, ev)
		})
	}
}

func TestDecodeEventFrameMalformed(t *testing.T) {
	for _, frame := range []string{
		`not json`,
		`{"no_type":true}`,
		`{"type":"response.audio.delta","delta":"!!!not-base64!!!"}`,
	} {
		if _, err := decodeEventFrame([]byte(frame)); err == nil {
			t.Fatalf("frame %q should not decode", frame)
		}
	}
}

package telephony

import (
	"encoding/base64"
	"testing"
)

func TestParseMessage_Start(t *testing.T) {
	env, err := ParseMessage([]byte(`{"event":"start","start":{"callSid":"CA123","streamSid":"MZ456"}}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if env.Event != EventStart || env.Start == nil {
		t.Fatalf("envelope = %+v, want start frame", env)
	}
	if env.Start.CallSID != "CA123" || env.Start.StreamSID != "MZ456" {
		t.Fatalf("start payload = %+v", env.Start)
	}
}

func TestParseMessage_MediaRoundTrip(t *testing.T) {
	audio := []byte{0x01, 0x02, 0x03}
	b64 := base64.StdEncoding.EncodeToString(audio)
	env, err := ParseMessage([]byte(`{"event":"media","sequenceNumber":"7","media":{"payload":"` + b64 + `"}}`))
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	got, err := DecodeMediaPayload(env)
	if err != nil {
		t.Fatalf("DecodeMediaPayload: %v", err)
	}
	if string(got) != string(audio) {
		t.Fatalf("payload = %v, want %v", got, audio)
	}
}

func TestParseMessage_Malformed(t *testing.T) {
	if _, err := ParseMessage([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
	if _, err := ParseMessage([]byte(`{"media":{"payload":"x"}}`)); err == nil {
		t.Fatalf("expected error for missing event")
	}
	if _, err := DecodeMediaPayload(Envelope{Event: EventMedia}); err == nil {
		t.Fatalf("expected error for missing media payload")
	}
	if _, err := DecodeMediaPayload(Envelope{Event: EventMedia, Media: &MediaPayload{Payload: "!!!"}}); err == nil {
		t.Fatalf("expected error for invalid base64")
	}
}

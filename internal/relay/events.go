package relay

import (
	"time"

	"github.com/relayvox/relayvox/internal/engine"
	"github.com/relayvox/relayvox/internal/models"
)

// Event is an internal event published to the per-call event channel. All
// components publish here and only the Bridge consumes, so there is no
// callback wiring to patch after construction.
type Event interface {
	relayEvent() string
}

// TranscriptOut is a finalized transcript in one direction. Translated=false
// carries the speaker's original words, Translated=true the engine's
// rendering into the other party's language.
type TranscriptOut struct {
	Role       models.SpeakerRole
	Text       string
	Translated bool
	Language   string
	Timestamp  time.Time
}

func (e TranscriptOut) relayEvent() string { return "transcript" }

type AudioDest string

const (
	DestTelephone AudioDest = "telephone"
	DestClient    AudioDest = "client"
)

// AudioOut is a chunk of synthesized speech headed for one leg of the call.
type AudioOut struct {
	Dest    AudioDest
	Payload []byte
}

func (e AudioOut) relayEvent() string { return "audio" }

// RecipientSpeechStart is Engine B's VAD detecting the recipient talking.
// This is the barge-in trigger.
type RecipientSpeechStart struct{}

func (e RecipientSpeechStart) relayEvent() string { return "recipient.speech_start" }

type RecipientSpeechEnd struct{}

func (e RecipientSpeechEnd) relayEvent() string { return "recipient.speech_end" }

// AudioDone marks the end of one engine's audio output for a response.
type AudioDone struct {
	Engine engine.Label
}

func (e AudioDone) relayEvent() string { return "audio.done" }

type RecoveryStatus string

const (
	RecoveryStatusRecovering  RecoveryStatus = "recovering"
	RecoveryStatusReconnected RecoveryStatus = "reconnected"
	RecoveryStatusDegraded    RecoveryStatus = "degraded"
)

// RecoveryNotice is surfaced to the client channel as session.recovery.
type RecoveryNotice struct {
	Engine engine.Label
	Status RecoveryStatus
	GapMS  int64
}

func (e RecoveryNotice) relayEvent() string { return "recovery" }

// EngineError is a protocol-level error from one engine.
type EngineError struct {
	Engine  engine.Label
	Code    string
	Message string
}

func (e EngineError) relayEvent() string { return "engine.error" }

package models

import "time"

type CallMode string

const (
	// ModeRelay translates both directions of a live conversation.
	ModeRelay CallMode = "relay"
	// ModeAgent lets the AI converse autonomously using pre-collected context.
	ModeAgent CallMode = "agent"
)

type CallStatus string

const (
	StatusPending   CallStatus = "pending"
	StatusCalling   CallStatus = "calling"
	StatusActive    CallStatus = "active"
	StatusCompleted CallStatus = "completed"
	StatusFailed    CallStatus = "failed"
	StatusNoAnswer  CallStatus = "no_answer"
)

// CallContext is the structured context collected before an agent-mode call,
// rendered into Engine A's system prompt.
type CallContext struct {
	RecipientName string            `bson:"recipient_name,omitempty" json:"recipient_name,omitempty"`
	Purpose       string            `bson:"purpose,omitempty" json:"purpose,omitempty"`
	Details       map[string]string `bson:"details,omitempty" json:"details,omitempty"`
}

// CallSession is the in-memory state of one live call. Created once per call,
// mutated by every component, removed from the active registry at teardown.
type CallSession struct {
	CallID string `json:"call_id"` // uuid v4
	UserID string `json:"user_id"`

	PhoneNumber    string   `json:"phone_number"`
	SourceLanguage string   `json:"source_language"` // ex: en
	TargetLanguage string   `json:"target_language"` // ex: ko
	Mode           CallMode `json:"mode"`

	Context CallContext `json:"context,omitempty"`

	Status         CallStatus `json:"status"`
	CarrierCallSID string     `json:"carrier_call_sid,omitempty"`

	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type AudioSource string

const (
	SourceUser      AudioSource = "user"
	SourceTelephone AudioSource = "telephone"
)

// AudioFrame lives only in the retention buffer. Sequence numbers are
// strictly increasing per call and never reused.
type AudioFrame struct {
	Seq        int64       `json:"seq"`
	Payload    []byte      `json:"payload"`
	Source     AudioSource `json:"source"`
	CapturedAt time.Time   `json:"captured_at"`
}

type SpeakerRole string

const (
	RoleUser      SpeakerRole = "user"
	RoleRecipient SpeakerRole = "recipient"
)

// TranscriptEvent is appended to the call-scoped transcript log and never
// mutated afterwards.
type TranscriptEvent struct {
	Role       SpeakerRole `bson:"role" json:"role"`
	Text       string      `bson:"text" json:"text"`
	Translated string      `bson:"translated,omitempty" json:"translated,omitempty"`
	Language   string      `bson:"language" json:"language"`
	Timestamp  time.Time   `bson:"timestamp" json:"timestamp"`
}

type RecoveryEventKind string

const (
	RecoveryDisconnect       RecoveryEventKind = "disconnect"
	RecoveryReconnectAttempt RecoveryEventKind = "reconnect_attempt"
	RecoveryReconnectSuccess RecoveryEventKind = "reconnect_success"
	RecoveryReconnectFailed  RecoveryEventKind = "reconnect_failed"
	RecoveryDegradedMode     RecoveryEventKind = "degraded_mode"
)

// RecoveryEvent is an append-only audit entry, flushed with the call record.
type RecoveryEvent struct {
	Timestamp time.Time         `bson:"timestamp" json:"timestamp"`
	Engine    string            `bson:"engine" json:"engine"` // "A" | "B"
	Kind      RecoveryEventKind `bson:"kind" json:"kind"`
	Attempt   int               `bson:"attempt,omitempty" json:"attempt,omitempty"`
	GapMS     int64             `bson:"gap_ms,omitempty" json:"gap_ms,omitempty"`
	Error     string            `bson:"error,omitempty" json:"error,omitempty"`
}

// GuardrailVerdict is produced once per recipient-bound translated utterance.
type GuardrailVerdict struct {
	Tier      int       `bson:"tier" json:"tier"` // 1|2|3
	Pass      bool      `bson:"pass" json:"pass"`
	Original  string    `bson:"original" json:"original"`
	Corrected string    `bson:"corrected,omitempty" json:"corrected,omitempty"`
	Issues    []string  `bson:"issues,omitempty" json:"issues,omitempty"`
	LatencyMS int64     `bson:"latency_ms" json:"latency_ms"`
	Timestamp time.Time `bson:"timestamp,omitempty" json:"timestamp,omitempty"`
}

package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CallRecord is the persisted outcome of a finished call, written once at
// teardown by the record worker.
type CallRecord struct {
	ID     primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	CallID string             `bson:"call_id" json:"call_id"`
	UserID string             `bson:"user_id" json:"user_id"`

	Mode           CallMode   `bson:"mode" json:"mode"`
	SourceLanguage string     `bson:"source_language" json:"source_language"`
	TargetLanguage string     `bson:"target_language" json:"target_language"`
	Status         CallStatus `bson:"status" json:"status"`

	EngineASessionID string `bson:"engine_a_session_id,omitempty" json:"engine_a_session_id,omitempty"`
	EngineBSessionID string `bson:"engine_b_session_id,omitempty" json:"engine_b_session_id,omitempty"`
	CarrierCallSID   string `bson:"carrier_call_sid,omitempty" json:"carrier_call_sid,omitempty"`

	Transcript     []TranscriptEvent  `bson:"transcript,omitempty" json:"transcript,omitempty"`
	SafetyEvents   []GuardrailVerdict `bson:"safety_events,omitempty" json:"safety_events,omitempty"`
	RecoveryEvents []RecoveryEvent    `bson:"recovery_events,omitempty" json:"recovery_events,omitempty"`

	StartedAt       time.Time  `bson:"started_at" json:"started_at"`
	EndedAt         *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`
	DurationSeconds int64      `bson:"duration_seconds" json:"duration_seconds"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// TranscriptRow is the relational projection of a TranscriptEvent, batch
// inserted by the record worker at call teardown.
type TranscriptRow struct {
	ID         string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	CallID     string         `gorm:"column:call_id;type:uuid;index" json:"call_id"`
	UserID     string         `gorm:"column:user_id;type:uuid;index" json:"user_id"`
	Role       string         `gorm:"column:role;type:text" json:"role"` // "user" | "recipient"
	Text       string         `gorm:"column:text;type:text" json:"text"`
	Translated string         `gorm:"column:translated;type:text" json:"translated"`
	Language   string         `gorm:"column:language;type:text" json:"language"`
	Timestamp  time.Time      `gorm:"column:timestamp;type:timestamptz;index" json:"timestamp"`
	Metadata   datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
}

func (TranscriptRow) TableName() string { return "transcript_events" }

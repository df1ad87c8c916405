package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Receipt statuses. Stable values, stored as-is.
const (
	ReceiptStatusProcessing = "processing"
	ReceiptStatusProcessed  = "processed"
	ReceiptStatusFailed     = "failed"
)

// Receipt is the durable state of one document's extraction pipeline run.
// Generation fences scheduled attempts: a reprocess bumps it, and attempts
// created for an older generation abort instead of overwriting fresh state.
type Receipt struct {
	ID          uuid.UUID `gorm:"primaryKey;column:id;type:VARCHAR(255);"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   *time.Time
	DocumentRef *string                     `gorm:"type:TEXT"`
	Filename    string                      `gorm:"not null"`
	MimeType    string                      `gorm:"not null;type:VARCHAR(255)"`
	Status      string                      `gorm:"not null;type:VARCHAR(100);index:receipts_status_idx"`
	RetryCount  int                         `gorm:"not null;default:0"`
	Generation  int                         `gorm:"not null;default:0"`
	LastResult  *JSONField[json.RawMessage] `gorm:"type:jsonb"`
}

type ReceiptList []Receipt

// AttemptError is the error descriptor persisted into receipts.last_result
// after a failed attempt.
type AttemptError struct {
	Error     string `json:"error"`
	Attempt   int    `json:"attempt"`
	WillRetry bool   `json:"willRetry"`
}

func (r Receipt) String() string {
	val, _ := json.Marshal(r)
	return string(val)
}

package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Expense statuses. Decoupled from receipt statuses but kept in lockstep by
// the pipeline during normal flow.
const (
	ExpenseStatusProcessing = "processing"
	ExpenseStatusApproved   = "approved"
	ExpenseStatusFailed     = "failed"
)

// Expense is the user-facing structured record produced from a receipt.
// ReceiptID is a weak reference: the receipt may be deleted independently
// without invalidating the expense's values.
type Expense struct {
	ID         uuid.UUID  `gorm:"primaryKey;column:id;type:VARCHAR(255);"`
	CreatedAt  time.Time  `gorm:"not null"`
	UpdatedAt  time.Time  `gorm:"not null"`
	ReceiptID  *uuid.UUID `gorm:"type:VARCHAR(255);index:expenses_receipt_id_idx"`
	Merchant   string     `gorm:"not null"`
	Date       time.Time  `gorm:"not null;type:date"`
	Amount     float64    `gorm:"not null;type:numeric(12,2)"`
	Currency   string     `gorm:"not null;type:char(3)"`
	Category   string     `gorm:"not null;type:VARCHAR(100)"`
	VatNumber  *string
	VatRate    *float64 `gorm:"type:numeric(5,2)"`
	VatAmount  *float64 `gorm:"type:numeric(12,2)"`
	Confidence *float64
	Notes      *string
	Status     string `gorm:"not null;type:VARCHAR(100);index:expenses_status_idx"`
}

type ExpenseList []Expense

func (e Expense) String() string {
	val, _ := json.Marshal(e)
	return string(val)
}

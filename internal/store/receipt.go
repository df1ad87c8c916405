package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Receipt interface {
	List(ctx context.Context, filter *ReceiptQueryFilter) (model.ReceiptList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Receipt, error)
	Create(ctx context.Context, receipt model.Receipt) (*model.Receipt, error)
	UpdateProcessingState(ctx context.Context, id uuid.UUID, status string, retryCount int, lastResult json.RawMessage) error
	SetResult(ctx context.Context, id uuid.UUID, status string, lastResult json.RawMessage) error
	ResetForReprocess(ctx context.Context, id uuid.UUID) (*model.Receipt, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type ReceiptStore struct {
	db *gorm.DB
}

// Make sure we conform to the Receipt interface
var _ Receipt = (*ReceiptStore)(nil)

func NewReceiptStore(db *gorm.DB) Receipt {
	return &ReceiptStore{db: db}
}

func (r *ReceiptStore) List(ctx context.Context, filter *ReceiptQueryFilter) (model.ReceiptList, error) {
	var receipts model.ReceiptList
	tx := r.getDB(ctx).Model(&receipts).Order("created_at DESC")

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	result := tx.Find(&receipts)
	if result.Error != nil {
		return nil, result.Error
	}
	return receipts, nil
}

func (r *ReceiptStore) Get(ctx context.Context, id uuid.UUID) (*model.Receipt, error) {
	var receipt model.Receipt
	result := r.getDB(ctx).First(&receipt, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &receipt, nil
}

func (r *ReceiptStore) Create(ctx context.Context, receipt model.Receipt) (*model.Receipt, error) {
	result := r.getDB(ctx).Clauses(clause.Returning{}).Create(&receipt)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, result.Error
	}
	return &receipt, nil
}

// UpdateProcessingState records the outcome of a failed attempt: the status,
// the bumped retry count and the error descriptor.
func (r *ReceiptStore) UpdateProcessingState(ctx context.Context, id uuid.UUID, status string, retryCount int, lastResult json.RawMessage) error {
	return r.patch(ctx, id, map[string]any{
		"status":      status,
		"retry_count": retryCount,
		"last_result": model.MakeJSONField(lastResult),
		"updated_at":  time.Now(),
	})
}

// SetResult stores the final extraction payload alongside the terminal status.
func (r *ReceiptStore) SetResult(ctx context.Context, id uuid.UUID, status string, lastResult json.RawMessage) error {
	return r.patch(ctx, id, map[string]any{
		"status":      status,
		"last_result": model.MakeJSONField(lastResult),
		"updated_at":  time.Now(),
	})
}

// ResetForReprocess puts the receipt back into processing with a clean retry
// counter and a bumped generation, and returns the updated record. Attempts
// scheduled for older generations become stale.
func (r *ReceiptStore) ResetForReprocess(ctx context.Context, id uuid.UUID) (*model.Receipt, error) {
	receipt, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = r.patch(ctx, id, map[string]any{
		"status":      model.ReceiptStatusProcessing,
		"retry_count": 0,
		"generation":  receipt.Generation + 1,
		"last_result": nil,
		"updated_at":  time.Now(),
	})
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, id)
}

func (r *ReceiptStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.getDB(ctx).Delete(&model.Receipt{}, "id = ?", id.String())
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}
	return nil
}

func (r *ReceiptStore) patch(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	result := r.getDB(ctx).Model(&model.Receipt{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *ReceiptStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return r.db
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExtractionPatch carries the structured fields the pipeline writes into an
// expense on extraction success. Nil VAT pointers clear the columns: the
// extractor reported them as absent.
type ExtractionPatch struct {
	Merchant   string
	Date       time.Time
	Amount     float64
	Currency   string
	Category   string
	VatNumber  *string
	VatRate    *float64
	VatAmount  *float64
	Confidence *float64
}

// ExpenseUpdate carries a user edit. Only non-nil fields are applied.
type ExpenseUpdate struct {
	Merchant  *string
	Date      *time.Time
	Amount    *float64
	Currency  *string
	Category  *string
	VatNumber *string
	VatRate   *float64
	VatAmount *float64
	Notes     *string
}

type Expense interface {
	List(ctx context.Context, filter *ExpenseQueryFilter) (model.ExpenseList, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Expense, error)
	Create(ctx context.Context, expense model.Expense) (*model.Expense, error)
	ApplyExtraction(ctx context.Context, id uuid.UUID, patch ExtractionPatch) error
	SetStatus(ctx context.Context, id uuid.UUID, status string, notes *string) error
	Update(ctx context.Context, id uuid.UUID, update ExpenseUpdate) (*model.Expense, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type ExpenseStore struct {
	db *gorm.DB
}

// Make sure we conform to the Expense interface
var _ Expense = (*ExpenseStore)(nil)

func NewExpenseStore(db *gorm.DB) Expense {
	return &ExpenseStore{db: db}
}

func (e *ExpenseStore) List(ctx context.Context, filter *ExpenseQueryFilter) (model.ExpenseList, error) {
	var expenses model.ExpenseList
	tx := e.getDB(ctx).Model(&expenses).Order("created_at DESC")

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	result := tx.Find(&expenses)
	if result.Error != nil {
		return nil, result.Error
	}
	return expenses, nil
}

func (e *ExpenseStore) Get(ctx context.Context, id uuid.UUID) (*model.Expense, error) {
	var expense model.Expense
	result := e.getDB(ctx).First(&expense, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, result.Error
	}
	return &expense, nil
}

func (e *ExpenseStore) Create(ctx context.Context, expense model.Expense) (*model.Expense, error) {
	result := e.getDB(ctx).Clauses(clause.Returning{}).Create(&expense)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, result.Error
	}
	return &expense, nil
}

// ApplyExtraction replaces the placeholder values with the extracted fields
// and approves the expense in one write.
func (e *ExpenseStore) ApplyExtraction(ctx context.Context, id uuid.UUID, patch ExtractionPatch) error {
	return e.patch(ctx, id, map[string]any{
		"merchant":   patch.Merchant,
		"date":       patch.Date,
		"amount":     patch.Amount,
		"currency":   patch.Currency,
		"category":   patch.Category,
		"vat_number": patch.VatNumber,
		"vat_rate":   patch.VatRate,
		"vat_amount": patch.VatAmount,
		"confidence": patch.Confidence,
		"status":     model.ExpenseStatusApproved,
		"updated_at": time.Now(),
	})
}

func (e *ExpenseStore) SetStatus(ctx context.Context, id uuid.UUID, status string, notes *string) error {
	fields := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}
	if notes != nil {
		fields["notes"] = *notes
	}
	return e.patch(ctx, id, fields)
}

func (e *ExpenseStore) Update(ctx context.Context, id uuid.UUID, update ExpenseUpdate) (*model.Expense, error) {
	fields := map[string]any{
		"updated_at": time.Now(),
	}
	if update.Merchant != nil {
		fields["merchant"] = *update.Merchant
	}
	if update.Date != nil {
		fields["date"] = *update.Date
	}
	if update.Amount != nil {
		fields["amount"] = *update.Amount
	}
	if update.Currency != nil {
		fields["currency"] = *update.Currency
	}
	if update.Category != nil {
		fields["category"] = *update.Category
	}
	if update.VatNumber != nil {
		fields["vat_number"] = *update.VatNumber
	}
	if update.VatRate != nil {
		fields["vat_rate"] = *update.VatRate
	}
	if update.VatAmount != nil {
		fields["vat_amount"] = *update.VatAmount
	}
	if update.Notes != nil {
		fields["notes"] = *update.Notes
	}

	if err := e.patch(ctx, id, fields); err != nil {
		return nil, err
	}
	return e.Get(ctx, id)
}

func (e *ExpenseStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := e.getDB(ctx).Delete(&model.Expense{}, "id = ?", id.String())
	if result.Error != nil && !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}
	return nil
}

func (e *ExpenseStore) patch(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	result := e.getDB(ctx).Model(&model.Expense{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (e *ExpenseStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return e.db
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/receiptdesk/receiptdesk/internal/docstore"
	"github.com/receiptdesk/receiptdesk/internal/extraction"
	"github.com/receiptdesk/receiptdesk/internal/pipeline"
	"github.com/receiptdesk/receiptdesk/internal/store"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"go.uber.org/zap"
)

// ExpenseWithReceiptURL pairs an expense with a short-lived URL for its
// source document, and the original filename, when the receipt still exists.
type ExpenseWithReceiptURL struct {
	model.Expense
	ReceiptURL      *string
	ReceiptFilename *string
}

// CreateExpenseParams describes a manually entered expense. It has no
// receipt and skips the pipeline entirely.
type CreateExpenseParams struct {
	Merchant  string
	Date      time.Time
	Amount    float64
	Currency  string
	Category  string
	VatNumber *string
	VatRate   *float64
	VatAmount *float64
	Notes     *string
}

type ExpenseService struct {
	store     store.Store
	documents docstore.Store
	pipeline  *pipeline.Orchestrator
	log       *zap.SugaredLogger
}

func NewExpenseService(s store.Store, documents docstore.Store, p *pipeline.Orchestrator) *ExpenseService {
	return &ExpenseService{
		store:     s,
		documents: documents,
		pipeline:  p,
		log:       zap.S().Named("expense_service"),
	}
}

// List returns expenses newest first, each with a resolved receipt URL when
// the source document is still around. A missing document is not an error;
// the expense outlives its receipt.
func (s *ExpenseService) List(ctx context.Context, status string, limit int) ([]ExpenseWithReceiptURL, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	filter := store.NewExpenseQueryFilter().WithLimit(limit)
	if status != "" {
		filter = filter.ByStatus(status)
	}

	expenses, err := s.store.Expense().List(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := make([]ExpenseWithReceiptURL, 0, len(expenses))
	for _, expense := range expenses {
		result = append(result, s.attachReceipt(ctx, expense))
	}
	return result, nil
}

func (s *ExpenseService) Get(ctx context.Context, id uuid.UUID) (*ExpenseWithReceiptURL, error) {
	expense, err := s.store.Expense().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrExpenseNotFound(id)
		}
		return nil, err
	}
	enriched := s.attachReceipt(ctx, *expense)
	return &enriched, nil
}

// Create inserts a manually entered expense, already approved.
func (s *ExpenseService) Create(ctx context.Context, params CreateExpenseParams) (*model.Expense, error) {
	if params.Merchant == "" {
		return nil, NewErrInvalidRequest("merchant is required")
	}
	if params.Amount < 0 {
		return nil, NewErrInvalidRequest("amount must not be negative")
	}
	if len(params.Currency) != 3 {
		return nil, NewErrInvalidRequest("currency must be a 3-letter code")
	}
	if !extraction.IsValidCategory(params.Category) {
		return nil, NewErrInvalidRequest("unknown category %q", params.Category)
	}

	return s.store.Expense().Create(ctx, model.Expense{
		ID:        uuid.New(),
		Merchant:  params.Merchant,
		Date:      params.Date,
		Amount:    params.Amount,
		Currency:  params.Currency,
		Category:  params.Category,
		VatNumber: params.VatNumber,
		VatRate:   params.VatRate,
		VatAmount: params.VatAmount,
		Notes:     params.Notes,
		Status:    model.ExpenseStatusApproved,
	})
}

func (s *ExpenseService) Update(ctx context.Context, id uuid.UUID, update store.ExpenseUpdate) (*model.Expense, error) {
	if update.Category != nil && !extraction.IsValidCategory(*update.Category) {
		return nil, NewErrInvalidRequest("unknown category %q", *update.Category)
	}
	if update.Currency != nil && len(*update.Currency) != 3 {
		return nil, NewErrInvalidRequest("currency must be a 3-letter code")
	}
	if update.Amount != nil && *update.Amount < 0 {
		return nil, NewErrInvalidRequest("amount must not be negative")
	}

	expense, err := s.store.Expense().Update(ctx, id, update)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrExpenseNotFound(id)
		}
		return nil, err
	}
	return expense, nil
}

func (s *ExpenseService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.store.Expense().Delete(ctx, id)
}

// Reprocess re-runs extraction for the expense's receipt. Safe to call in
// any state; expenses without a receipt are left untouched.
func (s *ExpenseService) Reprocess(ctx context.Context, id uuid.UUID) error {
	err := s.pipeline.Reprocess(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return NewErrExpenseNotFound(id)
		}
		return err
	}
	return nil
}

// attachReceipt enriches the expense with its receipt's filename and a
// resolved document URL. A missing receipt or document is not an error; the
// expense outlives both.
func (s *ExpenseService) attachReceipt(ctx context.Context, expense model.Expense) ExpenseWithReceiptURL {
	enriched := ExpenseWithReceiptURL{Expense: expense}
	if expense.ReceiptID == nil {
		return enriched
	}

	receipt, err := s.store.Receipt().Get(ctx, *expense.ReceiptID)
	if err != nil {
		return enriched
	}
	enriched.ReceiptFilename = &receipt.Filename

	if receipt.DocumentRef == nil {
		return enriched
	}
	url, err := s.documents.Resolve(ctx, *receipt.DocumentRef)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			s.log.Warnw("failed to resolve receipt document", "receipt_id", receipt.ID, "error", err)
		}
		return enriched
	}
	enriched.ReceiptURL = &url
	return enriched
}

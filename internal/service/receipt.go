package service

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/receiptdesk/receiptdesk/internal/docstore"
	"github.com/receiptdesk/receiptdesk/internal/extraction"
	"github.com/receiptdesk/receiptdesk/internal/pipeline"
	"github.com/receiptdesk/receiptdesk/internal/store"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"go.uber.org/zap"
)

// placeholderMerchant is shown on the expense until extraction finishes.
const placeholderMerchant = "Processing..."

// defaultListLimit bounds recent-record listings when no limit is given.
const defaultListLimit = 20

var allowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/gif":       true,
}

// UploadParams describes one incoming receipt document.
type UploadParams struct {
	Reader   io.Reader
	Size     int64
	Filename string
	MimeType string
}

type ReceiptService struct {
	store     store.Store
	documents docstore.Store
	pipeline  *pipeline.Orchestrator
	log       *zap.SugaredLogger
}

func NewReceiptService(s store.Store, documents docstore.Store, p *pipeline.Orchestrator) *ReceiptService {
	return &ReceiptService{
		store:     s,
		documents: documents,
		pipeline:  p,
		log:       zap.S().Named("receipt_service"),
	}
}

// Upload stores the document, creates the receipt and its placeholder
// expense in one transaction, and schedules the first extraction attempt.
// The receipt is returned alongside the expense so the caller can poll
// either record.
func (s *ReceiptService) Upload(ctx context.Context, params UploadParams) (*model.Receipt, *model.Expense, error) {
	if params.Filename == "" {
		return nil, nil, NewErrInvalidRequest("filename is required")
	}
	if !allowedMimeTypes[params.MimeType] {
		return nil, nil, NewErrInvalidRequest("unsupported document type %q", params.MimeType)
	}

	ref, err := s.documents.Store(ctx, params.Reader, params.Size, params.Filename, params.MimeType)
	if err != nil {
		return nil, nil, err
	}

	txCtx, err := s.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, nil, err
	}

	receipt, err := s.store.Receipt().Create(txCtx, model.Receipt{
		ID:          uuid.New(),
		DocumentRef: &ref,
		Filename:    params.Filename,
		MimeType:    params.MimeType,
		Status:      model.ReceiptStatusProcessing,
	})
	if err != nil {
		_, _ = store.Rollback(txCtx)
		return nil, nil, err
	}

	receiptID := receipt.ID
	expense, err := s.store.Expense().Create(txCtx, model.Expense{
		ID:        uuid.New(),
		ReceiptID: &receiptID,
		Merchant:  placeholderMerchant,
		Date:      time.Now().UTC().Truncate(24 * time.Hour),
		Amount:    0,
		Currency:  "USD",
		Category:  extraction.FallbackCategory(),
		Status:    model.ExpenseStatusProcessing,
	})
	if err != nil {
		_, _ = store.Rollback(txCtx)
		return nil, nil, err
	}

	if _, err := store.Commit(txCtx); err != nil {
		return nil, nil, err
	}

	if err := s.pipeline.StartJob(ctx, receipt.ID, expense.ID, receipt.Generation); err != nil {
		// The records exist and are consistent; the user can recover with a
		// manual reprocess.
		s.log.Errorw("failed to schedule extraction for uploaded receipt",
			"receipt_id", receipt.ID,
			"expense_id", expense.ID,
			"error", err,
		)
	}

	s.log.Infow("receipt uploaded",
		"receipt_id", receipt.ID,
		"expense_id", expense.ID,
		"filename", params.Filename,
		"mime_type", params.MimeType,
		"size", params.Size,
	)
	return receipt, expense, nil
}

func (s *ReceiptService) List(ctx context.Context, status string, limit int) (model.ReceiptList, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	filter := store.NewReceiptQueryFilter().WithLimit(limit)
	if status != "" {
		filter = filter.ByStatus(status)
	}
	return s.store.Receipt().List(ctx, filter)
}

func (s *ReceiptService) Get(ctx context.Context, id uuid.UUID) (*model.Receipt, error) {
	receipt, err := s.store.Receipt().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrReceiptNotFound(id)
		}
		return nil, err
	}
	return receipt, nil
}

// ResolveDocument returns a short-lived fetchable URL for the receipt's
// stored document.
func (s *ReceiptService) ResolveDocument(ctx context.Context, id uuid.UUID) (string, error) {
	receipt, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if receipt.DocumentRef == nil {
		return "", NewErrReceiptNotFound(id)
	}

	url, err := s.documents.Resolve(ctx, *receipt.DocumentRef)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return "", NewErrReceiptNotFound(id)
		}
		return "", err
	}
	return url, nil
}

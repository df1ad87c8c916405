package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/receiptdesk/receiptdesk/internal/docstore"
	"github.com/receiptdesk/receiptdesk/internal/extraction"
	"github.com/receiptdesk/receiptdesk/internal/pipeline/jobs"
	"github.com/receiptdesk/receiptdesk/internal/store"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"github.com/receiptdesk/receiptdesk/pkg/metrics"
	"go.uber.org/zap"
)

const (
	// maxAttempts caps the total number of extraction attempts per generation.
	maxAttempts = 4

	// failureNote is written into the expense when all attempts are exhausted.
	failureNote = "Auto-processing failed. Please edit the expense."

	// reprocessNote is written into the expense when a reprocess is requested.
	reprocessNote = "Reprocessing receipt."

	maxDocumentBytes = 32 << 20
)

// retryBackoff holds the delay before each retry, indexed by attempt number.
// Attempts beyond the table reuse the last entry.
var retryBackoff = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// Orchestrator drives the extraction pipeline: it schedules attempts, runs
// them, and owns the retry state machine. The scheduler is attached late via
// SetScheduler because the queue client itself needs a registered worker,
// which needs the orchestrator.
type Orchestrator struct {
	store     store.Store
	documents docstore.Store
	extractor extraction.Extractor
	scheduler jobs.Scheduler
	http      *http.Client
	log       *zap.SugaredLogger
}

// NewOrchestrator builds an orchestrator. extractor may be nil when the
// extraction service is not configured; attempts then fail through the normal
// retry path instead of crashing the worker.
func NewOrchestrator(s store.Store, documents docstore.Store, extractor extraction.Extractor) *Orchestrator {
	return &Orchestrator{
		store:     s,
		documents: documents,
		extractor: extractor,
		http:      &http.Client{Timeout: 60 * time.Second},
		log:       zap.S().Named("pipeline"),
	}
}

func (o *Orchestrator) SetScheduler(s jobs.Scheduler) {
	o.scheduler = s
}

// StartJob enqueues the first extraction attempt for a freshly uploaded
// receipt.
func (o *Orchestrator) StartJob(ctx context.Context, receiptID, expenseID uuid.UUID, generation int) error {
	if o.scheduler == nil {
		return errors.New("scheduler is not attached")
	}
	return o.scheduler.ScheduleAfter(ctx, 0, jobs.ProcessReceiptArgs{
		ReceiptID:  receiptID,
		ExpenseID:  expenseID,
		Generation: generation,
	})
}

// Reprocess resets the receipt behind an expense and enqueues a fresh
// attempt. Expenses without a receipt reference keep their current state.
func (o *Orchestrator) Reprocess(ctx context.Context, expenseID uuid.UUID) error {
	expense, err := o.store.Expense().Get(ctx, expenseID)
	if err != nil {
		return err
	}
	if expense.ReceiptID == nil {
		o.log.Infow("reprocess requested for expense without receipt", "expense_id", expenseID)
		return nil
	}

	note := reprocessNote
	if err := o.store.Expense().SetStatus(ctx, expenseID, model.ExpenseStatusProcessing, &note); err != nil {
		return err
	}

	receipt, err := o.store.Receipt().ResetForReprocess(ctx, *expense.ReceiptID)
	if err != nil {
		return err
	}

	o.log.Infow("reprocess scheduled",
		"expense_id", expenseID,
		"receipt_id", receipt.ID,
		"generation", receipt.Generation,
	)
	return o.scheduler.ScheduleAfter(ctx, 0, jobs.ProcessReceiptArgs{
		ReceiptID:  receipt.ID,
		ExpenseID:  expenseID,
		Generation: receipt.Generation,
	})
}

// RunAttempt executes one extraction attempt. All domain failures are
// absorbed into the retry state machine; the returned error covers only
// infrastructure problems (store writes, scheduling) worth logging.
func (o *Orchestrator) RunAttempt(ctx context.Context, args jobs.ProcessReceiptArgs) error {
	receipt, err := o.store.Receipt().Get(ctx, args.ReceiptID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return o.failAndMaybeRetry(ctx, args, 0, "Receipt record is missing.")
		}
		return err
	}

	if receipt.Generation != args.Generation {
		o.log.Infow("discarding stale attempt",
			"receipt_id", receipt.ID,
			"scheduled_generation", args.Generation,
			"current_generation", receipt.Generation,
		)
		metrics.IncreaseAttemptsTotalMetric(metrics.AttemptOutcomeStale)
		return nil
	}

	if receipt.DocumentRef == nil {
		return o.failAndMaybeRetry(ctx, args, receipt.RetryCount, "Receipt file is missing.")
	}

	if o.extractor == nil {
		return o.failAndMaybeRetry(ctx, args, receipt.RetryCount, extraction.NewErrMissingCredentials().Error())
	}

	url, err := o.documents.Resolve(ctx, *receipt.DocumentRef)
	if err != nil {
		o.log.Warnw("failed to resolve receipt document", "receipt_id", receipt.ID, "error", err)
		return o.failAndMaybeRetry(ctx, args, receipt.RetryCount, "Unable to fetch receipt.")
	}

	data, err := o.fetchDocument(ctx, url)
	if err != nil {
		o.log.Warnw("failed to download receipt document", "receipt_id", receipt.ID, "error", err)
		return o.failAndMaybeRetry(ctx, args, receipt.RetryCount, "Receipt download failed.")
	}

	fields, raw, err := o.extractor.Extract(ctx, extraction.Document{
		Data:     data,
		Filename: receipt.Filename,
		MimeType: receipt.MimeType,
	})
	if err != nil {
		o.log.Warnw("extraction attempt failed",
			"receipt_id", receipt.ID,
			"attempt", receipt.RetryCount+1,
			"error", err,
		)
		return o.failAndMaybeRetry(ctx, args, receipt.RetryCount, err.Error())
	}

	return o.applySuccess(ctx, args, receipt, fields, raw)
}

// applySuccess writes the extracted fields into the expense and marks the
// receipt processed, in a single transaction so readers never observe a
// processed receipt with a placeholder expense.
func (o *Orchestrator) applySuccess(ctx context.Context, args jobs.ProcessReceiptArgs, receipt *model.Receipt, fields extraction.Fields, raw json.RawMessage) error {
	patch := extractionPatch(fields, o.log)

	txCtx, err := o.store.NewTransactionContext(ctx)
	if err != nil {
		return err
	}

	if err := o.store.Expense().ApplyExtraction(txCtx, args.ExpenseID, patch); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		_, _ = store.Rollback(txCtx)
		return err
	}
	if err := o.store.Receipt().SetResult(txCtx, args.ReceiptID, model.ReceiptStatusProcessed, raw); err != nil {
		_, _ = store.Rollback(txCtx)
		return err
	}
	if _, err := store.Commit(txCtx); err != nil {
		return err
	}

	metrics.IncreaseAttemptsTotalMetric(metrics.AttemptOutcomeProcessed)
	o.log.Infow("receipt processed",
		"receipt_id", receipt.ID,
		"expense_id", args.ExpenseID,
		"attempt", receipt.RetryCount+1,
		"merchant", fields.Merchant,
	)
	return nil
}

// failAndMaybeRetry records the attempt outcome on the receipt and either
// schedules the next attempt or marks the pair terminally failed.
func (o *Orchestrator) failAndMaybeRetry(ctx context.Context, args jobs.ProcessReceiptArgs, retryCount int, message string) error {
	attempt := retryCount + 1
	willRetry := attempt < maxAttempts

	descriptor, err := json.Marshal(model.AttemptError{
		Error:     message,
		Attempt:   attempt,
		WillRetry: willRetry,
	})
	if err != nil {
		return err
	}

	if willRetry {
		err := o.store.Receipt().UpdateProcessingState(ctx, args.ReceiptID, model.ReceiptStatusProcessing, attempt, descriptor)
		switch {
		case errors.Is(err, store.ErrRecordNotFound):
			// Without a record to carry the attempt counter, a successor
			// would run at attempt 1 again and the chain would never end.
			o.log.Warnw("receipt record is gone, aborting retries",
				"receipt_id", args.ReceiptID,
				"expense_id", args.ExpenseID,
			)
			return o.failTerminally(ctx, args, attempt, message)
		case err != nil:
			return err
		}

		delay := retryBackoff[len(retryBackoff)-1]
		if attempt-1 < len(retryBackoff) {
			delay = retryBackoff[attempt-1]
		}

		metrics.IncreaseAttemptsTotalMetric(metrics.AttemptOutcomeRetried)
		o.log.Infow("attempt failed, retry scheduled",
			"receipt_id", args.ReceiptID,
			"attempt", attempt,
			"delay", delay,
			"error", message,
		)
		if err := o.scheduler.ScheduleAfter(ctx, delay, args); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		metrics.IncreaseRetriesScheduledMetric()
		return nil
	}

	err = o.store.Receipt().UpdateProcessingState(ctx, args.ReceiptID, model.ReceiptStatusFailed, attempt, descriptor)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}
	return o.failTerminally(ctx, args, attempt, message)
}

// failTerminally marks the expense failed and stops the attempt chain.
func (o *Orchestrator) failTerminally(ctx context.Context, args jobs.ProcessReceiptArgs, attempt int, message string) error {
	note := failureNote
	err := o.store.Expense().SetStatus(ctx, args.ExpenseID, model.ExpenseStatusFailed, &note)
	if err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return err
	}

	metrics.IncreaseAttemptsTotalMetric(metrics.AttemptOutcomeFailed)
	metrics.IncreaseJobsFailedMetric()
	o.log.Warnw("receipt processing failed",
		"receipt_id", args.ReceiptID,
		"expense_id", args.ExpenseID,
		"attempt", attempt,
		"error", message,
	)
	return nil
}

func (o *Orchestrator) fetchDocument(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
}

// extractionPatch normalizes the extracted fields before they touch the
// expense: dates must parse, the currency defaults to USD, and unknown
// categories collapse to the fallback.
func extractionPatch(fields extraction.Fields, log *zap.SugaredLogger) store.ExtractionPatch {
	date, err := time.Parse("2006-01-02", fields.Date)
	if err != nil {
		log.Warnw("extracted date is not ISO formatted, using today", "date", fields.Date)
		date = time.Now().UTC().Truncate(24 * time.Hour)
	}

	currency := strings.ToUpper(strings.TrimSpace(fields.Currency))
	if len(currency) != 3 {
		currency = "USD"
	}

	category := fields.Category
	if !extraction.IsValidCategory(category) {
		category = extraction.FallbackCategory()
	}

	confidence := fields.Confidence
	return store.ExtractionPatch{
		Merchant:   fields.Merchant,
		Date:       date,
		Amount:     fields.Amount,
		Currency:   currency,
		Category:   category,
		VatNumber:  fields.VatNumber,
		VatRate:    fields.VatRate,
		VatAmount:  fields.VatAmount,
		Confidence: &confidence,
	}
}

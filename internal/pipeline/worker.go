package pipeline

import (
	"context"

	"github.com/receiptdesk/receiptdesk/internal/pipeline/jobs"
	"github.com/riverqueue/river"
	"go.uber.org/zap"
)

// ProcessReceiptWorker adapts the orchestrator to the job queue. It always
// completes the job: retries are the orchestrator's business, so returning an
// error here would only make the queue fight the pipeline's own state machine.
type ProcessReceiptWorker struct {
	river.WorkerDefaults[jobs.ProcessReceiptArgs]
	orchestrator *Orchestrator
}

func NewProcessReceiptWorker(orchestrator *Orchestrator) *ProcessReceiptWorker {
	return &ProcessReceiptWorker{orchestrator: orchestrator}
}

func (w *ProcessReceiptWorker) Work(ctx context.Context, job *river.Job[jobs.ProcessReceiptArgs]) error {
	if err := w.orchestrator.RunAttempt(ctx, job.Args); err != nil {
		zap.S().Named("pipeline").Errorw("attempt aborted on infrastructure error",
			"receipt_id", job.Args.ReceiptID,
			"expense_id", job.Args.ExpenseID,
			"error", err,
		)
	}
	return nil
}

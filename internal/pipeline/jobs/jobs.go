package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

const QueueReceipts = "receipts"

// ProcessReceiptArgs identifies one extraction attempt. Generation is the
// receipt generation the attempt was scheduled for; attempts carrying an
// older generation are discarded by the worker.
type ProcessReceiptArgs struct {
	ReceiptID  uuid.UUID `json:"receiptId"`
	ExpenseID  uuid.UUID `json:"expenseId"`
	Generation int       `json:"generation"`
}

func (ProcessReceiptArgs) Kind() string { return "process_receipt" }

// InsertOpts pins MaxAttempts to 1: the pipeline owns its retry state machine
// and schedules each follow-up attempt as a fresh job, so the queue must
// never re-run one on its own.
func (ProcessReceiptArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueReceipts,
		MaxAttempts: 1,
	}
}

// Scheduler enqueues extraction attempts.
type Scheduler interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, args ProcessReceiptArgs) error
}

type RiverScheduler struct {
	client *river.Client[pgx.Tx]
}

var _ Scheduler = (*RiverScheduler)(nil)

func NewRiverScheduler(client *river.Client[pgx.Tx]) *RiverScheduler {
	return &RiverScheduler{client: client}
}

func (s *RiverScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, args ProcessReceiptArgs) error {
	opts := &river.InsertOpts{}
	if delay > 0 {
		opts.ScheduledAt = time.Now().Add(delay)
	}
	_, err := s.client.Insert(ctx, args, opts)
	return err
}

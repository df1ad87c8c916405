package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/receiptdesk/receiptdesk/internal/docstore"
	"github.com/receiptdesk/receiptdesk/internal/extraction"
	"github.com/receiptdesk/receiptdesk/internal/pipeline"
	"github.com/receiptdesk/receiptdesk/internal/pipeline/jobs"
	st "github.com/receiptdesk/receiptdesk/internal/store"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestPipeline(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pipeline Suite")
}

type scheduledAttempt struct {
	Delay time.Duration
	Args  jobs.ProcessReceiptArgs
}

type fakeScheduler struct {
	attempts []scheduledAttempt
	err      error
}

func (f *fakeScheduler) ScheduleAfter(_ context.Context, delay time.Duration, args jobs.ProcessReceiptArgs) error {
	if f.err != nil {
		return f.err
	}
	f.attempts = append(f.attempts, scheduledAttempt{Delay: delay, Args: args})
	return nil
}

type fakeDocuments struct {
	url        string
	resolveErr error
}

func (f *fakeDocuments) Store(_ context.Context, r io.Reader, _ int64, _, _ string) (string, error) {
	_, _ = io.ReadAll(r)
	return "bucket/" + uuid.NewString(), nil
}

func (f *fakeDocuments) Resolve(_ context.Context, _ string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return f.url, nil
}

type fakeExtractor struct {
	extract func(doc extraction.Document) (extraction.Fields, json.RawMessage, error)
	calls   int
}

func (f *fakeExtractor) Extract(_ context.Context, doc extraction.Document) (extraction.Fields, json.RawMessage, error) {
	f.calls++
	return f.extract(doc)
}

func cafeLunaFields() (extraction.Fields, json.RawMessage) {
	raw := json.RawMessage(`{"merchant":"Cafe Luna","date":"2024-03-01","amount":12.5,"currency":"USD","category":"Meals","vatNumber":null,"vatRate":null,"vatAmount":null,"confidence":0.94}`)
	return extraction.Fields{
		Merchant:   "Cafe Luna",
		Date:       "2024-03-01",
		Amount:     12.50,
		Currency:   "USD",
		Category:   "Meals",
		Confidence: 0.94,
	}, raw
}

var _ = Describe("orchestrator", Ordered, func() {
	var (
		s         st.Store
		gormDB    *gorm.DB
		docServer *httptest.Server
		documents *fakeDocuments
		scheduler *fakeScheduler
		extractor *fakeExtractor
	)

	BeforeAll(func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "pipeline_test.db")
		db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{TranslateError: true})
		Expect(err).To(BeNil())
		gormDB = db

		s = st.NewStore(db)
		Expect(s.InitialMigration()).To(BeNil())

		docServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("image-bytes"))
		}))
	})

	AfterAll(func() {
		docServer.Close()
		_ = s.Close()
	})

	BeforeEach(func() {
		documents = &fakeDocuments{url: docServer.URL + "/doc"}
		scheduler = &fakeScheduler{}
		extractor = &fakeExtractor{extract: func(_ extraction.Document) (extraction.Fields, json.RawMessage, error) {
			fields, raw := cafeLunaFields()
			return fields, raw, nil
		}}
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM receipts;")
		gormDB.Exec("DELETE FROM expenses;")
	})

	newOrchestrator := func() *pipeline.Orchestrator {
		o := pipeline.NewOrchestrator(s, documents, extractor)
		o.SetScheduler(scheduler)
		return o
	}

	createPair := func() (uuid.UUID, uuid.UUID) {
		ref := "bucket/" + uuid.NewString()
		receipt, err := s.Receipt().Create(context.TODO(), model.Receipt{
			ID:          uuid.New(),
			DocumentRef: &ref,
			Filename:    "receipt.jpg",
			MimeType:    "image/jpeg",
			Status:      model.ReceiptStatusProcessing,
		})
		Expect(err).To(BeNil())

		receiptID := receipt.ID
		expense, err := s.Expense().Create(context.TODO(), model.Expense{
			ID:        uuid.New(),
			ReceiptID: &receiptID,
			Merchant:  "Processing...",
			Date:      time.Now().UTC().Truncate(24 * time.Hour),
			Currency:  "USD",
			Category:  extraction.FallbackCategory(),
			Status:    model.ExpenseStatusProcessing,
		})
		Expect(err).To(BeNil())

		return receipt.ID, expense.ID
	}

	args := func(receiptID, expenseID uuid.UUID, generation int) jobs.ProcessReceiptArgs {
		return jobs.ProcessReceiptArgs{ReceiptID: receiptID, ExpenseID: expenseID, Generation: generation}
	}

	lastAttemptError := func(receiptID uuid.UUID) model.AttemptError {
		receipt, err := s.Receipt().Get(context.TODO(), receiptID)
		Expect(err).To(BeNil())
		Expect(receipt.LastResult).ToNot(BeNil())

		var attempt model.AttemptError
		Expect(json.Unmarshal(receipt.LastResult.Data, &attempt)).To(BeNil())
		return attempt
	}

	Context("successful attempt", func() {
		It("approves the expense with the extracted fields and marks the receipt processed", func() {
			receiptID, expenseID := createPair()

			err := newOrchestrator().RunAttempt(context.TODO(), args(receiptID, expenseID, 0))
			Expect(err).To(BeNil())

			expense, err := s.Expense().Get(context.TODO(), expenseID)
			Expect(err).To(BeNil())
			Expect(expense.Status).To(Equal(model.ExpenseStatusApproved))
			Expect(expense.Merchant).To(Equal("Cafe Luna"))
			Expect(expense.Date.Format("2006-01-02")).To(Equal("2024-03-01"))
			Expect(expense.Amount).To(Equal(12.50))
			Expect(expense.Currency).To(Equal("USD"))
			Expect(expense.Category).To(Equal("Meals"))
			Expect(expense.VatNumber).To(BeNil())
			Expect(expense.VatRate).To(BeNil())
			Expect(expense.VatAmount).To(BeNil())
			Expect(expense.Confidence).ToNot(BeNil())
			Expect(*expense.Confidence).To(Equal(0.94))

			receipt, err := s.Receipt().Get(context.TODO(), receiptID)
			Expect(err).To(BeNil())
			Expect(receipt.Status).To(Equal(model.ReceiptStatusProcessed))
			Expect(receipt.LastResult).ToNot(BeNil())

			Expect(scheduler.attempts).To(BeEmpty())
		})

		It("collapses an unknown category to the fallback", func() {
			extractor.extract = func(_ extraction.Document) (extraction.Fields, json.RawMessage, error) {
				fields, raw := cafeLunaFields()
				fields.Category = "Yachts"
				return fields, raw, nil
			}

			receiptID, expenseID := createPair()
			Expect(newOrchestrator().RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())

			expense, err := s.Expense().Get(context.TODO(), expenseID)
			Expect(err).To(BeNil())
			Expect(expense.Category).To(Equal(extraction.FallbackCategory()))
		})
	})

	Context("retry state machine", func() {
		It("recovers after transient failures with increasing backoff", func() {
			failures := 3
			extractor.extract = func(_ extraction.Document) (extraction.Fields, json.RawMessage, error) {
				if extractor.calls <= failures {
					return extraction.Fields{}, nil, extraction.NewErrRequestFailed(500, "upstream blew up")
				}
				fields, raw := cafeLunaFields()
				return fields, raw, nil
			}

			receiptID, expenseID := createPair()
			o := newOrchestrator()

			// attempts 1..3 fail and schedule retries
			for i := 1; i <= failures; i++ {
				Expect(o.RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())

				receipt, err := s.Receipt().Get(context.TODO(), receiptID)
				Expect(err).To(BeNil())
				Expect(receipt.Status).To(Equal(model.ReceiptStatusProcessing))
				Expect(receipt.RetryCount).To(Equal(i))

				// the placeholder must stay untouched while retrying
				expense, err := s.Expense().Get(context.TODO(), expenseID)
				Expect(err).To(BeNil())
				Expect(expense.Status).To(Equal(model.ExpenseStatusProcessing))
				Expect(expense.Merchant).To(Equal("Processing..."))
			}

			Expect(scheduler.attempts).To(HaveLen(3))
			Expect(scheduler.attempts[0].Delay).To(Equal(10 * time.Second))
			Expect(scheduler.attempts[1].Delay).To(Equal(30 * time.Second))
			Expect(scheduler.attempts[2].Delay).To(Equal(120 * time.Second))

			// attempt 4 succeeds
			Expect(o.RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())

			receipt, err := s.Receipt().Get(context.TODO(), receiptID)
			Expect(err).To(BeNil())
			Expect(receipt.Status).To(Equal(model.ReceiptStatusProcessed))

			expense, err := s.Expense().Get(context.TODO(), expenseID)
			Expect(err).To(BeNil())
			Expect(expense.Status).To(Equal(model.ExpenseStatusApproved))
		})

		It("converges to failed after exhausting all attempts", func() {
			extractor.extract = func(_ extraction.Document) (extraction.Fields, json.RawMessage, error) {
				return extraction.Fields{}, nil, extraction.NewErrRequestFailed(500, "upstream blew up")
			}

			receiptID, expenseID := createPair()
			o := newOrchestrator()

			for i := 1; i <= 4; i++ {
				Expect(o.RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())
			}

			receipt, err := s.Receipt().Get(context.TODO(), receiptID)
			Expect(err).To(BeNil())
			Expect(receipt.Status).To(Equal(model.ReceiptStatusFailed))
			Expect(receipt.RetryCount).To(Equal(4))

			attempt := lastAttemptError(receiptID)
			Expect(attempt.Attempt).To(Equal(4))
			Expect(attempt.WillRetry).To(BeFalse())

			expense, err := s.Expense().Get(context.TODO(), expenseID)
			Expect(err).To(BeNil())
			Expect(expense.Status).To(Equal(model.ExpenseStatusFailed))
			Expect(expense.Notes).ToNot(BeNil())
			Expect(*expense.Notes).To(Equal("Auto-processing failed. Please edit the expense."))

			// no fifth attempt exists
			Expect(scheduler.attempts).To(HaveLen(3))
		})

		It("records the attempt error descriptor on each failure", func() {
			extractor.extract = func(_ extraction.Document) (extraction.Fields, json.RawMessage, error) {
				return extraction.Fields{}, nil, extraction.NewErrEmptyOutput()
			}

			receiptID, expenseID := createPair()
			Expect(newOrchestrator().RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())

			attempt := lastAttemptError(receiptID)
			Expect(attempt.Error).To(ContainSubstring("missing output"))
			Expect(attempt.Attempt).To(Equal(1))
			Expect(attempt.WillRetry).To(BeTrue())
		})
	})

	Context("input failures", func() {
		It("retries a receipt without a document reference", func() {
			receipt, err := s.Receipt().Create(context.TODO(), model.Receipt{
				ID:       uuid.New(),
				Filename: "receipt.jpg",
				MimeType: "image/jpeg",
				Status:   model.ReceiptStatusProcessing,
			})
			Expect(err).To(BeNil())
			_, expenseID := createPair()

			Expect(newOrchestrator().RunAttempt(context.TODO(), args(receipt.ID, expenseID, 0))).To(BeNil())

			attempt := lastAttemptError(receipt.ID)
			Expect(attempt.Error).To(Equal("Receipt file is missing."))
			Expect(attempt.WillRetry).To(BeTrue())
			Expect(scheduler.attempts).To(HaveLen(1))
			Expect(scheduler.attempts[0].Delay).To(Equal(10 * time.Second))
		})

		It("retries when extraction is not configured", func() {
			receiptID, expenseID := createPair()

			o := pipeline.NewOrchestrator(s, documents, nil)
			o.SetScheduler(scheduler)
			Expect(o.RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())

			attempt := lastAttemptError(receiptID)
			Expect(attempt.Error).To(ContainSubstring("credentials"))
			Expect(attempt.WillRetry).To(BeTrue())
		})

		It("retries when the document cannot be resolved", func() {
			documents.resolveErr = docstore.ErrNotFound
			receiptID, expenseID := createPair()

			Expect(newOrchestrator().RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())

			attempt := lastAttemptError(receiptID)
			Expect(attempt.Error).To(Equal("Unable to fetch receipt."))
		})

		It("retries when the document download fails", func() {
			broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}))
			defer broken.Close()
			documents.url = broken.URL + "/gone"

			receiptID, expenseID := createPair()
			Expect(newOrchestrator().RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())

			attempt := lastAttemptError(receiptID)
			Expect(attempt.Error).To(Equal("Receipt download failed."))
		})

		It("stops the attempt chain when the receipt record is gone", func() {
			_, expenseID := createPair()
			missingID := uuid.New()

			orchestrator := newOrchestrator()
			for i := 0; i < 3; i++ {
				Expect(orchestrator.RunAttempt(context.TODO(), args(missingID, expenseID, 0))).To(BeNil())
			}

			Expect(scheduler.attempts).To(BeEmpty())

			expense, err := s.Expense().Get(context.TODO(), expenseID)
			Expect(err).To(BeNil())
			Expect(expense.Status).To(Equal(model.ExpenseStatusFailed))
			Expect(expense.Notes).ToNot(BeNil())
			Expect(*expense.Notes).To(Equal("Auto-processing failed. Please edit the expense."))
		})
	})

	Context("generation fencing", func() {
		It("discards an attempt scheduled for an older generation", func() {
			receiptID, expenseID := createPair()

			_, err := s.Receipt().ResetForReprocess(context.TODO(), receiptID)
			Expect(err).To(BeNil())

			Expect(newOrchestrator().RunAttempt(context.TODO(), args(receiptID, expenseID, 0))).To(BeNil())

			receipt, err := s.Receipt().Get(context.TODO(), receiptID)
			Expect(err).To(BeNil())
			Expect(receipt.Status).To(Equal(model.ReceiptStatusProcessing))
			Expect(receipt.RetryCount).To(Equal(0))
			Expect(extractor.calls).To(Equal(0))
			Expect(scheduler.attempts).To(BeEmpty())
		})
	})

	Context("reprocess", func() {
		It("resets a failed pair and schedules an immediate attempt", func() {
			receiptID, expenseID := createPair()

			descriptor, _ := json.Marshal(model.AttemptError{Error: "boom", Attempt: 4, WillRetry: false})
			Expect(s.Receipt().UpdateProcessingState(context.TODO(), receiptID, model.ReceiptStatusFailed, 4, descriptor)).To(BeNil())
			note := "Auto-processing failed. Please edit the expense."
			Expect(s.Expense().SetStatus(context.TODO(), expenseID, model.ExpenseStatusFailed, &note)).To(BeNil())

			Expect(newOrchestrator().Reprocess(context.TODO(), expenseID)).To(BeNil())

			receipt, err := s.Receipt().Get(context.TODO(), receiptID)
			Expect(err).To(BeNil())
			Expect(receipt.Status).To(Equal(model.ReceiptStatusProcessing))
			Expect(receipt.RetryCount).To(Equal(0))
			Expect(receipt.Generation).To(Equal(1))
			Expect(receipt.LastResult).To(BeNil())

			expense, err := s.Expense().Get(context.TODO(), expenseID)
			Expect(err).To(BeNil())
			Expect(expense.Status).To(Equal(model.ExpenseStatusProcessing))
			Expect(expense.Notes).ToNot(BeNil())
			Expect(*expense.Notes).To(Equal("Reprocessing receipt."))

			Expect(scheduler.attempts).To(HaveLen(1))
			Expect(scheduler.attempts[0].Delay).To(Equal(time.Duration(0)))
			Expect(scheduler.attempts[0].Args.Generation).To(Equal(1))
		})

		It("is a no-op for an expense without a receipt", func() {
			expense, err := s.Expense().Create(context.TODO(), model.Expense{
				ID:       uuid.New(),
				Merchant: "Manual entry",
				Date:     time.Now().UTC(),
				Amount:   10,
				Currency: "USD",
				Category: "Meals",
				Status:   model.ExpenseStatusApproved,
			})
			Expect(err).To(BeNil())

			Expect(newOrchestrator().Reprocess(context.TODO(), expense.ID)).To(BeNil())

			unchanged, err := s.Expense().Get(context.TODO(), expense.ID)
			Expect(err).To(BeNil())
			Expect(unchanged.Status).To(Equal(model.ExpenseStatusApproved))
			Expect(scheduler.attempts).To(BeEmpty())
		})

		It("returns the store error for a missing expense", func() {
			err := newOrchestrator().Reprocess(context.TODO(), uuid.New())
			Expect(errors.Is(err, st.ErrRecordNotFound)).To(BeTrue())
		})
	})

	Context("start job", func() {
		It("enqueues an immediate first attempt", func() {
			receiptID, expenseID := createPair()

			Expect(newOrchestrator().StartJob(context.TODO(), receiptID, expenseID, 0)).To(BeNil())
			Expect(scheduler.attempts).To(HaveLen(1))
			Expect(scheduler.attempts[0].Delay).To(Equal(time.Duration(0)))
			Expect(scheduler.attempts[0].Args.ReceiptID).To(Equal(receiptID))
		})
	})
})

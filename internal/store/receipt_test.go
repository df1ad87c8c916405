package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	st "github.com/receiptdesk/receiptdesk/internal/store"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store Suite")
}

func openTestDB() *gorm.DB {
	dbPath := filepath.Join(GinkgoT().TempDir(), "store_test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{TranslateError: true})
	Expect(err).To(BeNil())
	return db
}

var _ = Describe("receipt store", Ordered, func() {
	var (
		s      st.Store
		gormDB *gorm.DB
	)

	BeforeAll(func() {
		gormDB = openTestDB()
		s = st.NewStore(gormDB)
		Expect(s.InitialMigration()).To(BeNil())
	})

	AfterAll(func() {
		_ = s.Close()
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM receipts;")
	})

	newReceipt := func(status string) *model.Receipt {
		ref := "bucket/" + uuid.NewString()
		receipt, err := s.Receipt().Create(context.TODO(), model.Receipt{
			ID:          uuid.New(),
			DocumentRef: &ref,
			Filename:    "receipt.jpg",
			MimeType:    "image/jpeg",
			Status:      status,
		})
		Expect(err).To(BeNil())
		return receipt
	}

	Context("create and get", func() {
		It("roundtrips a receipt", func() {
			created := newReceipt(model.ReceiptStatusProcessing)

			receipt, err := s.Receipt().Get(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(receipt.Filename).To(Equal("receipt.jpg"))
			Expect(receipt.Status).To(Equal(model.ReceiptStatusProcessing))
			Expect(receipt.RetryCount).To(Equal(0))
			Expect(receipt.Generation).To(Equal(0))
			Expect(receipt.LastResult).To(BeNil())
		})

		It("returns ErrRecordNotFound for a missing receipt", func() {
			_, err := s.Receipt().Get(context.TODO(), uuid.New())
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})

	Context("list", func() {
		It("filters by status", func() {
			newReceipt(model.ReceiptStatusProcessing)
			newReceipt(model.ReceiptStatusProcessed)
			newReceipt(model.ReceiptStatusProcessed)

			receipts, err := s.Receipt().List(context.TODO(), st.NewReceiptQueryFilter().ByStatus(model.ReceiptStatusProcessed))
			Expect(err).To(BeNil())
			Expect(receipts).To(HaveLen(2))
		})

		It("orders newest first", func() {
			first := newReceipt(model.ReceiptStatusProcessing)
			gormDB.Exec("UPDATE receipts SET created_at = ? WHERE id = ?", time.Now().Add(-time.Hour), first.ID.String())
			second := newReceipt(model.ReceiptStatusProcessing)

			receipts, err := s.Receipt().List(context.TODO(), st.NewReceiptQueryFilter())
			Expect(err).To(BeNil())
			Expect(receipts).To(HaveLen(2))
			Expect(receipts[0].ID).To(Equal(second.ID))
		})
	})

	Context("processing state", func() {
		It("records a failed attempt", func() {
			created := newReceipt(model.ReceiptStatusProcessing)

			descriptor, err := json.Marshal(model.AttemptError{Error: "boom", Attempt: 1, WillRetry: true})
			Expect(err).To(BeNil())
			err = s.Receipt().UpdateProcessingState(context.TODO(), created.ID, model.ReceiptStatusProcessing, 1, descriptor)
			Expect(err).To(BeNil())

			receipt, err := s.Receipt().Get(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(receipt.RetryCount).To(Equal(1))
			Expect(receipt.LastResult).ToNot(BeNil())

			var attempt model.AttemptError
			Expect(json.Unmarshal(receipt.LastResult.Data, &attempt)).To(BeNil())
			Expect(attempt.Error).To(Equal("boom"))
			Expect(attempt.WillRetry).To(BeTrue())
		})

		It("returns ErrRecordNotFound when patching a missing receipt", func() {
			err := s.Receipt().UpdateProcessingState(context.TODO(), uuid.New(), model.ReceiptStatusFailed, 1, json.RawMessage(`{}`))
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})

		It("stores the extraction payload on success", func() {
			created := newReceipt(model.ReceiptStatusProcessing)

			payload := json.RawMessage(`{"merchant":"Cafe Luna"}`)
			err := s.Receipt().SetResult(context.TODO(), created.ID, model.ReceiptStatusProcessed, payload)
			Expect(err).To(BeNil())

			receipt, err := s.Receipt().Get(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(receipt.Status).To(Equal(model.ReceiptStatusProcessed))
			Expect(receipt.LastResult).ToNot(BeNil())
			Expect(string(receipt.LastResult.Data)).To(MatchJSON(`{"merchant":"Cafe Luna"}`))
		})
	})

	Context("reprocess reset", func() {
		It("resets retry state and bumps the generation", func() {
			created := newReceipt(model.ReceiptStatusProcessing)

			descriptor, _ := json.Marshal(model.AttemptError{Error: "boom", Attempt: 4, WillRetry: false})
			Expect(s.Receipt().UpdateProcessingState(context.TODO(), created.ID, model.ReceiptStatusFailed, 4, descriptor)).To(BeNil())

			receipt, err := s.Receipt().ResetForReprocess(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(receipt.Status).To(Equal(model.ReceiptStatusProcessing))
			Expect(receipt.RetryCount).To(Equal(0))
			Expect(receipt.Generation).To(Equal(1))
			Expect(receipt.LastResult).To(BeNil())
		})

		It("bumps the generation on every reset", func() {
			created := newReceipt(model.ReceiptStatusFailed)

			for i := 1; i <= 3; i++ {
				receipt, err := s.Receipt().ResetForReprocess(context.TODO(), created.ID)
				Expect(err).To(BeNil())
				Expect(receipt.Generation).To(Equal(i))
			}
		})
	})

	Context("transaction", func() {
		It("commits a receipt", func() {
			ctx, err := s.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = s.Receipt().Create(ctx, model.Receipt{
				ID:       uuid.New(),
				Filename: "tx.jpg",
				MimeType: "image/jpeg",
				Status:   model.ReceiptStatusProcessing,
			})
			Expect(err).To(BeNil())

			_, cerr := st.Commit(ctx)
			Expect(cerr).To(BeNil())

			count := 0
			err = gormDB.Raw("SELECT COUNT(*) from receipts;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("rolls back a receipt", func() {
			ctx, err := s.NewTransactionContext(context.TODO())
			Expect(err).To(BeNil())

			_, err = s.Receipt().Create(ctx, model.Receipt{
				ID:       uuid.New(),
				Filename: "tx.jpg",
				MimeType: "image/jpeg",
				Status:   model.ReceiptStatusProcessing,
			})
			Expect(err).To(BeNil())

			_, cerr := st.Rollback(ctx)
			Expect(cerr).To(BeNil())

			count := 0
			err = gormDB.Raw("SELECT COUNT(*) from receipts;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(0))
		})
	})

	Context("delete", func() {
		It("removes the receipt", func() {
			created := newReceipt(model.ReceiptStatusProcessed)
			Expect(s.Receipt().Delete(context.TODO(), created.ID)).To(BeNil())

			_, err := s.Receipt().Get(context.TODO(), created.ID)
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})

		It("tolerates a missing receipt", func() {
			Expect(s.Receipt().Delete(context.TODO(), uuid.New())).To(BeNil())
		})
	})
})

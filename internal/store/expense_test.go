package store_test

import (
	"context"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	st "github.com/receiptdesk/receiptdesk/internal/store"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"gorm.io/gorm"
)

var _ = Describe("expense store", Ordered, func() {
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
		gormDB.Exec("DELETE FROM expenses;")
	})

	newPlaceholder := func(receiptID *uuid.UUID) *model.Expense {
		expense, err := s.Expense().Create(context.TODO(), model.Expense{
			ID:        uuid.New(),
			ReceiptID: receiptID,
			Merchant:  "Processing...",
			Date:      time.Now().UTC().Truncate(24 * time.Hour),
			Amount:    0,
			Currency:  "USD",
			Category:  "Miscellaneous",
			Status:    model.ExpenseStatusProcessing,
		})
		Expect(err).To(BeNil())
		return expense
	}

	Context("create and get", func() {
		It("roundtrips a placeholder expense", func() {
			receiptID := uuid.New()
			created := newPlaceholder(&receiptID)

			expense, err := s.Expense().Get(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(expense.Merchant).To(Equal("Processing..."))
			Expect(expense.Status).To(Equal(model.ExpenseStatusProcessing))
			Expect(expense.ReceiptID).ToNot(BeNil())
			Expect(*expense.ReceiptID).To(Equal(receiptID))
		})

		It("returns ErrRecordNotFound for a missing expense", func() {
			_, err := s.Expense().Get(context.TODO(), uuid.New())
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})

	Context("apply extraction", func() {
		It("replaces the placeholder and approves the expense", func() {
			created := newPlaceholder(nil)

			vatNumber := "GB123456789"
			vatRate := 20.0
			vatAmount := 2.08
			confidence := 0.94
			err := s.Expense().ApplyExtraction(context.TODO(), created.ID, st.ExtractionPatch{
				Merchant:   "Cafe Luna",
				Date:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				Amount:     12.50,
				Currency:   "USD",
				Category:   "Meals",
				VatNumber:  &vatNumber,
				VatRate:    &vatRate,
				VatAmount:  &vatAmount,
				Confidence: &confidence,
			})
			Expect(err).To(BeNil())

			expense, err := s.Expense().Get(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(expense.Merchant).To(Equal("Cafe Luna"))
			Expect(expense.Amount).To(Equal(12.50))
			Expect(expense.Category).To(Equal("Meals"))
			Expect(expense.Status).To(Equal(model.ExpenseStatusApproved))
			Expect(expense.VatNumber).ToNot(BeNil())
			Expect(*expense.VatNumber).To(Equal("GB123456789"))
			Expect(expense.Confidence).ToNot(BeNil())
			Expect(*expense.Confidence).To(Equal(0.94))
		})

		It("clears VAT columns when the extractor reports them absent", func() {
			created := newPlaceholder(nil)

			err := s.Expense().ApplyExtraction(context.TODO(), created.ID, st.ExtractionPatch{
				Merchant: "Cafe Luna",
				Date:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
				Amount:   12.50,
				Currency: "USD",
				Category: "Meals",
			})
			Expect(err).To(BeNil())

			expense, err := s.Expense().Get(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(expense.VatNumber).To(BeNil())
			Expect(expense.VatRate).To(BeNil())
			Expect(expense.VatAmount).To(BeNil())
		})
	})

	Context("status", func() {
		It("sets status and notes together", func() {
			created := newPlaceholder(nil)

			note := "Auto-processing failed. Please edit the expense."
			err := s.Expense().SetStatus(context.TODO(), created.ID, model.ExpenseStatusFailed, &note)
			Expect(err).To(BeNil())

			expense, err := s.Expense().Get(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(expense.Status).To(Equal(model.ExpenseStatusFailed))
			Expect(expense.Notes).ToNot(BeNil())
			Expect(*expense.Notes).To(Equal(note))
		})

		It("keeps notes when none are given", func() {
			created := newPlaceholder(nil)

			note := "Reprocessing receipt."
			Expect(s.Expense().SetStatus(context.TODO(), created.ID, model.ExpenseStatusProcessing, &note)).To(BeNil())
			Expect(s.Expense().SetStatus(context.TODO(), created.ID, model.ExpenseStatusApproved, nil)).To(BeNil())

			expense, err := s.Expense().Get(context.TODO(), created.ID)
			Expect(err).To(BeNil())
			Expect(expense.Status).To(Equal(model.ExpenseStatusApproved))
			Expect(expense.Notes).ToNot(BeNil())
			Expect(*expense.Notes).To(Equal(note))
		})
	})

	Context("update", func() {
		It("applies only the provided fields", func() {
			created := newPlaceholder(nil)

			merchant := "Edited Merchant"
			amount := 42.00
			expense, err := s.Expense().Update(context.TODO(), created.ID, st.ExpenseUpdate{
				Merchant: &merchant,
				Amount:   &amount,
			})
			Expect(err).To(BeNil())
			Expect(expense.Merchant).To(Equal("Edited Merchant"))
			Expect(expense.Amount).To(Equal(42.00))
			Expect(expense.Currency).To(Equal("USD"))
			Expect(expense.Category).To(Equal("Miscellaneous"))
		})

		It("returns ErrRecordNotFound for a missing expense", func() {
			merchant := "nobody"
			_, err := s.Expense().Update(context.TODO(), uuid.New(), st.ExpenseUpdate{Merchant: &merchant})
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})

	Context("list", func() {
		It("filters by status and receipt", func() {
			receiptID := uuid.New()
			newPlaceholder(&receiptID)
			newPlaceholder(nil)

			byReceipt, err := s.Expense().List(context.TODO(), st.NewExpenseQueryFilter().ByReceiptID(receiptID.String()))
			Expect(err).To(BeNil())
			Expect(byReceipt).To(HaveLen(1))

			processing, err := s.Expense().List(context.TODO(), st.NewExpenseQueryFilter().ByStatus(model.ExpenseStatusProcessing))
			Expect(err).To(BeNil())
			Expect(processing).To(HaveLen(2))
		})
	})

	Context("delete", func() {
		It("removes the expense", func() {
			created := newPlaceholder(nil)
			Expect(s.Expense().Delete(context.TODO(), created.ID)).To(BeNil())

			_, err := s.Expense().Get(context.TODO(), created.ID)
			Expect(err).To(MatchError(st.ErrRecordNotFound))
		})
	})
})

package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/receiptdesk/receiptdesk/internal/service"
	"github.com/receiptdesk/receiptdesk/internal/store"
)

const dateLayout = "2006-01-02"

type expenseResponse struct {
	ID              uuid.UUID  `json:"id"`
	ReceiptID       *uuid.UUID `json:"receiptId,omitempty"`
	Merchant        string     `json:"merchant"`
	Date            string     `json:"date"`
	Amount          float64    `json:"amount"`
	Currency        string     `json:"currency"`
	Category        string     `json:"category"`
	VatNumber       *string    `json:"vatNumber,omitempty"`
	VatRate         *float64   `json:"vatRate,omitempty"`
	VatAmount       *float64   `json:"vatAmount,omitempty"`
	Confidence      *float64   `json:"confidence,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	Status          string     `json:"status"`
	ReceiptURL      *string    `json:"receiptUrl,omitempty"`
	ReceiptFilename *string    `json:"receiptFilename,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type createExpenseRequest struct {
	Merchant  string   `json:"merchant"`
	Date      string   `json:"date"`
	Amount    float64  `json:"amount"`
	Currency  string   `json:"currency"`
	Category  string   `json:"category"`
	VatNumber *string  `json:"vatNumber"`
	VatRate   *float64 `json:"vatRate"`
	VatAmount *float64 `json:"vatAmount"`
	Notes     *string  `json:"notes"`
}

func (c *createExpenseRequest) Bind(_ *http.Request) error {
	return nil
}

type updateExpenseRequest struct {
	Merchant  *string  `json:"merchant"`
	Date      *string  `json:"date"`
	Amount    *float64 `json:"amount"`
	Currency  *string  `json:"currency"`
	Category  *string  `json:"category"`
	VatNumber *string  `json:"vatNumber"`
	VatRate   *float64 `json:"vatRate"`
	VatAmount *float64 `json:"vatAmount"`
	Notes     *string  `json:"notes"`
}

func (u *updateExpenseRequest) Bind(_ *http.Request) error {
	return nil
}

func toExpenseResponse(expense service.ExpenseWithReceiptURL) expenseResponse {
	return expenseResponse{
		ID:              expense.ID,
		ReceiptID:       expense.ReceiptID,
		Merchant:        expense.Merchant,
		Date:            expense.Date.Format(dateLayout),
		Amount:          expense.Amount,
		Currency:        expense.Currency,
		Category:        expense.Category,
		VatNumber:       expense.VatNumber,
		VatRate:         expense.VatRate,
		VatAmount:       expense.VatAmount,
		Confidence:      expense.Confidence,
		Notes:           expense.Notes,
		Status:          expense.Status,
		ReceiptURL:      expense.ReceiptURL,
		ReceiptFilename: expense.ReceiptFilename,
		CreatedAt:       expense.CreatedAt,
		UpdatedAt:       expense.UpdatedAt,
	}
}

func (h *Handler) listExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := h.expenses.List(r.Context(), r.URL.Query().Get("status"), limitParam(r))
	if err != nil {
		renderError(w, r, err)
		return
	}

	resp := make([]expenseResponse, 0, len(expenses))
	for _, expense := range expenses {
		resp = append(resp, toExpenseResponse(expense))
	}
	render.JSON(w, r, resp)
}

func (h *Handler) getExpense(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid expense id"))
		return
	}

	expense, err := h.expenses.Get(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, toExpenseResponse(*expense))
}

func (h *Handler) createExpense(w http.ResponseWriter, r *http.Request) {
	var req createExpenseRequest
	if err := render.Bind(r, &req); err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid request body: %v", err))
		return
	}

	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		renderError(w, r, service.NewErrInvalidRequest("date must be formatted as YYYY-MM-DD"))
		return
	}

	expense, err := h.expenses.Create(r.Context(), service.CreateExpenseParams{
		Merchant:  req.Merchant,
		Date:      date,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Category:  req.Category,
		VatNumber: req.VatNumber,
		VatRate:   req.VatRate,
		VatAmount: req.VatAmount,
		Notes:     req.Notes,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toExpenseResponse(service.ExpenseWithReceiptURL{Expense: *expense}))
}

func (h *Handler) updateExpense(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid expense id"))
		return
	}

	var req updateExpenseRequest
	if err := render.Bind(r, &req); err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid request body: %v", err))
		return
	}

	update := store.ExpenseUpdate{
		Merchant:  req.Merchant,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Category:  req.Category,
		VatNumber: req.VatNumber,
		VatRate:   req.VatRate,
		VatAmount: req.VatAmount,
		Notes:     req.Notes,
	}
	if req.Date != nil {
		date, err := time.Parse(dateLayout, *req.Date)
		if err != nil {
			renderError(w, r, service.NewErrInvalidRequest("date must be formatted as YYYY-MM-DD"))
			return
		}
		update.Date = &date
	}

	expense, err := h.expenses.Update(r.Context(), id, update)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, toExpenseResponse(service.ExpenseWithReceiptURL{Expense: *expense}))
}

func (h *Handler) deleteExpense(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid expense id"))
		return
	}

	if err := h.expenses.Delete(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (h *Handler) reprocessExpense(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid expense id"))
		return
	}

	if err := h.expenses.Reprocess(r.Context(), id); err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "scheduled"})
}

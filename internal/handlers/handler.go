package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/receiptdesk/receiptdesk/internal/service"
)

type Handler struct {
	receipts *service.ReceiptService
	expenses *service.ExpenseService
}

func New(receipts *service.ReceiptService, expenses *service.ExpenseService) *Handler {
	return &Handler{receipts: receipts, expenses: expenses}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/receipts", func(r chi.Router) {
		r.Post("/", h.uploadReceipt)
		r.Get("/", h.listReceipts)
		r.Get("/{id}", h.getReceipt)
		r.Get("/{id}/document", h.getReceiptDocument)
	})
	r.Route("/expenses", func(r chi.Router) {
		r.Get("/", h.listExpenses)
		r.Post("/", h.createExpense)
		r.Get("/{id}", h.getExpense)
		r.Patch("/{id}", h.updateExpense)
		r.Delete("/{id}", h.deleteExpense)
		r.Post("/{id}/reprocess", h.reprocessExpense)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

// limitParam parses the optional limit query parameter. Invalid or absent
// values fall back to the service default.
func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// renderError maps service errors onto HTTP statuses.
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	var notFound *service.ErrResourceNotFound
	var invalid *service.ErrInvalidRequest

	switch {
	case errors.As(err, &notFound):
		render.Status(r, http.StatusNotFound)
	case errors.As(err, &invalid):
		render.Status(r, http.StatusBadRequest)
	default:
		render.Status(r, http.StatusInternalServerError)
	}
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

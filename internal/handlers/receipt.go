package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/receiptdesk/receiptdesk/internal/service"
	"github.com/receiptdesk/receiptdesk/internal/store/model"
)

const maxUploadBytes = 32 << 20

type receiptResponse struct {
	ID         uuid.UUID       `json:"id"`
	Filename   string          `json:"filename"`
	MimeType   string          `json:"mimeType"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retryCount"`
	Generation int             `json:"generation"`
	LastResult json.RawMessage `json:"lastResult,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  *time.Time      `json:"updatedAt,omitempty"`
}

type uploadResponse struct {
	Receipt receiptResponse `json:"receipt"`
	Expense expenseResponse `json:"expense"`
}

type documentResponse struct {
	URL string `json:"url"`
}

func toReceiptResponse(receipt model.Receipt) receiptResponse {
	resp := receiptResponse{
		ID:         receipt.ID,
		Filename:   receipt.Filename,
		MimeType:   receipt.MimeType,
		Status:     receipt.Status,
		RetryCount: receipt.RetryCount,
		Generation: receipt.Generation,
		CreatedAt:  receipt.CreatedAt,
		UpdatedAt:  receipt.UpdatedAt,
	}
	if receipt.LastResult != nil {
		resp.LastResult = receipt.LastResult.Data
	}
	return resp
}

func (h *Handler) uploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid multipart request: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		renderError(w, r, service.NewErrInvalidRequest("missing file field"))
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	receipt, expense, err := h.receipts.Upload(r.Context(), service.UploadParams{
		Reader:   file,
		Size:     header.Size,
		Filename: header.Filename,
		MimeType: mimeType,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, uploadResponse{
		Receipt: toReceiptResponse(*receipt),
		Expense: toExpenseResponse(service.ExpenseWithReceiptURL{Expense: *expense}),
	})
}

func (h *Handler) listReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.receipts.List(r.Context(), r.URL.Query().Get("status"), limitParam(r))
	if err != nil {
		renderError(w, r, err)
		return
	}

	resp := make([]receiptResponse, 0, len(receipts))
	for _, receipt := range receipts {
		resp = append(resp, toReceiptResponse(receipt))
	}
	render.JSON(w, r, resp)
}

func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid receipt id"))
		return
	}

	receipt, err := h.receipts.Get(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, toReceiptResponse(*receipt))
}

func (h *Handler) getReceiptDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, service.NewErrInvalidRequest("invalid receipt id"))
		return
	}

	url, err := h.receipts.ResolveDocument(r.Context(), id)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, documentResponse{URL: url})
}

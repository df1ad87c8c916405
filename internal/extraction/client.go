package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Fields is the structured payload extracted from a receipt document.
type Fields struct {
	Merchant   string   `json:"merchant"`
	Date       string   `json:"date"`
	Amount     float64  `json:"amount"`
	Currency   string   `json:"currency"`
	Category   string   `json:"category"`
	VatNumber  *string  `json:"vatNumber"`
	VatRate    *float64 `json:"vatRate"`
	VatAmount  *float64 `json:"vatAmount"`
	Confidence float64  `json:"confidence"`
}

// Document is the input to one extraction call.
type Document struct {
	Data     []byte
	Filename string
	MimeType string
}

// Extractor is the interface the pipeline depends on. The raw payload is
// returned alongside the decoded fields so it can be persisted for audit.
type Extractor interface {
	Extract(ctx context.Context, doc Document) (Fields, json.RawMessage, error)
}

// Config for the extraction client.
type Config struct {
	APIKey  string
	BaseURL string        // default https://api.openai.com
	Model   string        // e.g. "gpt-5.1"
	Timeout time.Duration // http client timeout
}

type Client struct {
	cfg    Config
	http   *http.Client
	schema *jsonschema.Schema
	log    *zap.SugaredLogger
}

var _ Extractor = (*Client)(nil)

// NewClient builds an extraction client. A missing API key is rejected here,
// with a distinct error kind, instead of surfacing deep inside the first
// extraction call.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, NewErrMissingCredentials()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-5.1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}

	schema, err := compileReceiptSchema(Categories)
	if err != nil {
		return nil, fmt.Errorf("failed to compile receipt schema: %w", err)
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		schema: schema,
		log:    zap.S().Named("extraction"),
	}, nil
}

// Extract runs one request/response cycle against the service. No retry
// logic lives here.
//
// PDFs must first be registered with the service to obtain a file reference;
// other document types are embedded inline as a data URI, which saves a
// round trip for the image types the service accepts directly.
func (c *Client) Extract(ctx context.Context, doc Document) (Fields, json.RawMessage, error) {
	start := time.Now()

	isPdf := doc.MimeType == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(doc.Filename), ".pdf")

	var fileID, dataURL string
	if isPdf {
		id, err := c.uploadFile(ctx, doc)
		if err != nil {
			return Fields{}, nil, err
		}
		fileID = id
	} else {
		dataURL = "data:" + doc.MimeType + ";base64," + base64.StdEncoding.EncodeToString(doc.Data)
	}

	payload, err := c.requestExtraction(ctx, doc.Filename, fileID, dataURL)
	if err != nil {
		return Fields{}, nil, err
	}

	if err := validatePayload(c.schema, payload); err != nil {
		c.log.Warnw("extraction payload failed schema validation", "filename", doc.Filename, "error", err)
		return Fields{}, nil, NewErrMalformedOutput(string(payload), err)
	}

	var fields Fields
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Fields{}, nil, NewErrMalformedOutput(string(payload), err)
	}

	c.log.Infow("extraction succeeded",
		"filename", doc.Filename,
		"merchant", fields.Merchant,
		"amount", fields.Amount,
		"currency", fields.Currency,
		"category", fields.Category,
		"confidence", fields.Confidence,
		"elapsed", time.Since(start),
	)
	return fields, payload, nil
}

// uploadFile registers a PDF with the service and returns the file reference
// used by the extraction request.
func (c *Client) uploadFile(ctx context.Context, doc Document) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("purpose", "assistants"); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	filename := doc.Filename
	if filename == "" {
		filename = "receipt.pdf"
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(doc.Data); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/files", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", NewErrUploadFailed(0, err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", NewErrUploadFailed(resp.StatusCode, string(raw))
	}

	var fileData struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &fileData); err != nil || fileData.ID == "" {
		return "", NewErrUploadFailed(resp.StatusCode, "upload returned no file ID")
	}

	return fileData.ID, nil
}

// requestExtraction sends the extraction request and returns the first
// non-empty text payload across the response's output segments. The service
// sometimes splits output across segments, so every one is scanned.
func (c *Client) requestExtraction(ctx context.Context, filename, fileID, dataURL string) (json.RawMessage, error) {
	content := []map[string]any{
		{"type": "input_text", "text": buildPrompt(filename)},
	}
	switch {
	case fileID != "":
		content = append(content, map[string]any{"type": "input_file", "file_id": fileID})
	case dataURL != "":
		content = append(content, map[string]any{"type": "input_image", "image_url": dataURL})
	}

	body := map[string]any{
		"model": c.cfg.Model,
		"input": []map[string]any{
			{"role": "user", "content": content},
		},
		"text": map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   "receipt_extract",
				"schema": BuildReceiptJSONSchema(Categories),
				"strict": true,
			},
		},
	}

	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode extraction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/responses", bytes.NewReader(bs))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewErrRequestFailed(0, err.Error())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, NewErrRequestFailed(resp.StatusCode, string(raw))
	}

	var decoded struct {
		Output []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		OutputText string `json:"output_text"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, NewErrMalformedOutput(string(raw), err)
	}

	for _, segment := range decoded.Output {
		for _, content := range segment.Content {
			if text := strings.TrimSpace(content.Text); text != "" {
				return json.RawMessage(text), nil
			}
		}
	}
	if text := strings.TrimSpace(decoded.OutputText); text != "" {
		return json.RawMessage(text), nil
	}

	return nil, NewErrEmptyOutput()
}

func buildPrompt(filename string) string {
	return strings.Join([]string{
		"You extract fields from receipts.",
		"Return JSON that matches the provided schema exactly.",
		"If VAT number is missing, return null for vatNumber.",
		"If VAT rate is missing, return null for vatRate.",
		"If VAT amount is missing, return null for vatAmount.",
		"If currency is missing, infer from receipt locale or use USD.",
		"Confidence is your overall extraction confidence from 0 to 1.",
		"Category must be one of: " + strings.Join(Categories, ", "),
		"Filename: " + filename,
	}, "\n")
}

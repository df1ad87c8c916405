package extraction

import (
	"fmt"
)

const bodyExcerptLen = 500

// All extraction errors are terminal for a single attempt; the pipeline
// decides whether to retry.

type ErrMissingCredentials struct {
	error
}

func NewErrMissingCredentials() *ErrMissingCredentials {
	return &ErrMissingCredentials{fmt.Errorf("extraction credentials are not configured")}
}

type ErrUploadFailed struct {
	error
	Status int
}

func NewErrUploadFailed(status int, body string) *ErrUploadFailed {
	return &ErrUploadFailed{
		error:  fmt.Errorf("document upload failed: status %d: %s", status, excerpt(body)),
		Status: status,
	}
}

type ErrRequestFailed struct {
	error
	Status int
}

func NewErrRequestFailed(status int, body string) *ErrRequestFailed {
	return &ErrRequestFailed{
		error:  fmt.Errorf("extraction request failed: status %d: %s", status, excerpt(body)),
		Status: status,
	}
}

type ErrEmptyOutput struct {
	error
}

func NewErrEmptyOutput() *ErrEmptyOutput {
	return &ErrEmptyOutput{fmt.Errorf("extraction response missing output")}
}

type ErrMalformedOutput struct {
	error
}

func NewErrMalformedOutput(raw string, cause error) *ErrMalformedOutput {
	return &ErrMalformedOutput{fmt.Errorf("malformed extraction output: %v: %s", cause, excerpt(raw))}
}

func excerpt(s string) string {
	if len(s) > bodyExcerptLen {
		return s[:bodyExcerptLen]
	}
	return s
}

package service

import (
	"fmt"

	"github.com/google/uuid"
)

type ErrResourceNotFound struct {
	error
}

func NewErrReceiptNotFound(id uuid.UUID) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("receipt %s not found", id)}
}

func NewErrExpenseNotFound(id uuid.UUID) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("expense %s not found", id)}
}

type ErrInvalidRequest struct {
	error
}

func NewErrInvalidRequest(format string, args ...any) *ErrInvalidRequest {
	return &ErrInvalidRequest{fmt.Errorf(format, args...)}
}

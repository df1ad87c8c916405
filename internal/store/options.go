package store

import (
	"gorm.io/gorm"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type ReceiptQueryFilter BaseQuerier

func NewReceiptQueryFilter() *ReceiptQueryFilter {
	return &ReceiptQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ReceiptQueryFilter) ByStatus(status string) *ReceiptQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

func (qf *ReceiptQueryFilter) WithLimit(limit int) *ReceiptQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return qf
}

type ExpenseQueryFilter BaseQuerier

func NewExpenseQueryFilter() *ExpenseQueryFilter {
	return &ExpenseQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *ExpenseQueryFilter) ByStatus(status string) *ExpenseQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", status)
	})
	return qf
}

func (qf *ExpenseQueryFilter) ByReceiptID(receiptID string) *ExpenseQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("receipt_id = ?", receiptID)
	})
	return qf
}

func (qf *ExpenseQueryFilter) WithLimit(limit int) *ExpenseQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Limit(limit)
	})
	return qf
}

package store

import (
	"context"

	"github.com/receiptdesk/receiptdesk/internal/store/model"
	"gorm.io/gorm"
)

type Store interface {
	NewTransactionContext(ctx context.Context) (context.Context, error)
	Receipt() Receipt
	Expense() Expense
	InitialMigration() error
	Close() error
}

type DataStore struct {
	receipt Receipt
	expense Expense
	db      *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		receipt: NewReceiptStore(db),
		expense: NewExpenseStore(db),
		db:      db,
	}
}

func (s *DataStore) NewTransactionContext(ctx context.Context) (context.Context, error) {
	return newTransactionContext(ctx, s.db)
}

func (s *DataStore) Receipt() Receipt {
	return s.receipt
}

func (s *DataStore) Expense() Expense {
	return s.expense
}

// InitialMigration auto-migrates the record tables. The goose migrations in
// db/migrations are the source of truth for postgres deployments; this path
// covers sqlite and tests.
func (s *DataStore) InitialMigration() error {
	return s.db.AutoMigrate(&model.Receipt{}, &model.Expense{})
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

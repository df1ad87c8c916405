package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/receiptdesk/receiptdesk/internal/config"
	"github.com/receiptdesk/receiptdesk/internal/store"
	"github.com/receiptdesk/receiptdesk/pkg/log"
	"github.com/receiptdesk/receiptdesk/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalf("reading configuration: %v", err)
		}

		logLvl, err := zap.ParseAtomicLevel(cfg.Service.LogLevel)
		if err != nil {
			logLvl = zap.NewAtomicLevelAt(zap.InfoLevel)
		}

		logger := log.InitLog(logLvl)
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("Migrating the database")
		defer zap.S().Info("Db migrated")

		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
			cfg.Database.Hostname,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Port,
			cfg.Database.Name,
		)
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			zap.S().Fatalf("creating pgx pool: %v", err)
		}
		defer pool.Close()

		if err := migrations.MigrateStore(db, cfg.Service.MigrationFolder, pool); err != nil {
			zap.S().Fatalf("running migrations: %v", err)
		}

		return nil
	},
}

package main

import (
	"go.uber.org/zap"

	"github.com/flowforge/sagaflow/pkg/checkout"
	"github.com/flowforge/sagaflow/pkg/config"
	"github.com/flowforge/sagaflow/pkg/logging"
	"github.com/flowforge/sagaflow/pkg/store/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	db, err := sqlstore.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("failed to migrate workflow tables", zap.Error(err))
	}
	if err := checkout.AutoMigrate(db.DB()); err != nil {
		logger.Fatal("failed to migrate checkout tables", zap.Error(err))
	}
	logger.Info("database migrated", zap.String("driver", cfg.Database.Driver))
}

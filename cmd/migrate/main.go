package main

import (
	"context"
	"time"

	"nyyu-stream/internal/config"
	"nyyu-stream/internal/repository"

	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Connect to default first; the target database may not exist yet.
	conn, err := repository.Open(ctx, cfg.ClickHouse, "default")
	if err != nil {
		logger.Fatal(err)
	}

	logger.Infof("Creating database: %s", cfg.ClickHouse.Database)
	if err := repository.CreateDatabase(ctx, conn, cfg.ClickHouse.Database); err != nil {
		logger.Fatalf("Failed to create database: %v", err)
	}
	conn.Close()

	conn, err = repository.Open(ctx, cfg.ClickHouse, "")
	if err != nil {
		logger.Fatal(err)
	}
	defer conn.Close()

	logger.Infof("Creating %s table...", repository.CandleTable)
	if err := repository.NewCandleRepository(conn, logger).Migrate(ctx); err != nil {
		logger.Fatal(err)
	}

	logger.WithFields(logrus.Fields{
		"database": cfg.ClickHouse.Database,
		"table":    repository.CandleTable,
	}).Info("ClickHouse migration completed")
}

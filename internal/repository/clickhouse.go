package repository

import (
	"context"
	"fmt"
	"time"

	"nyyu-stream/internal/config"

	clickhouse "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Open connects to ClickHouse and pings it. database overrides the configured
// database when non-empty, which the migration uses to connect to "default"
// before the target database exists.
func Open(ctx context.Context, cfg config.ClickHouseConfig, database string) (driver.Conn, error) {
	if database == "" {
		database = cfg.Database
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr()},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ClickHouse ping failed: %w", err)
	}
	return conn, nil
}

// CreateDatabase creates name if it does not exist.
func CreateDatabase(ctx context.Context, conn driver.Conn, name string) error {
	return conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", name))
}

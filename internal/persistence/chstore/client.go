// Package chstore persists stream rows in ClickHouse. Each venue gets a
// database and each stream a ReplacingMergeTree table ordered by open time.
package chstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
)

// Conf configures the ClickHouse connection pool.
type Conf struct {
	DSN             string        `json:",optional"`
	MaxOpenConns    int           `json:",default=10"`
	MaxIdleConns    int           `json:",default=5"`
	ConnMaxLifetime time.Duration `json:",default=5m"`
	PingTimeout     time.Duration `json:",default=5s"`
}

// Enabled reports whether a DSN is configured.
func (c Conf) Enabled() bool { return c.DSN != "" }

// Open connects to ClickHouse and pings it.
func Open(ctx context.Context, c Conf) (*sql.DB, error) {
	if c.DSN == "" {
		return nil, fmt.Errorf("clickhouse: dsn is required")
	}
	db, err := sql.Open("clickhouse", c.DSN)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
	timeout := c.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return db, nil
}

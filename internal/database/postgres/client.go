// Package postgres provides the PostgreSQL store for hivepool: shares, miner
// balances, processed payments, bans, found blocks and payouts.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings suited to one service process.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 20,
		MaxIdleConns: 5,
		MaxLifetime:  30 * time.Minute,
	}
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// schema is applied by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS shares (
		id         BIGSERIAL PRIMARY KEY,
		miner_id   TEXT        NOT NULL,
		job_id     TEXT        NOT NULL,
		nonce      TEXT        NOT NULL,
		path       TEXT        NOT NULL,
		hash       TEXT        NOT NULL UNIQUE,
		target     TEXT        NOT NULL,
		work       NUMERIC     NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS shares_created_at_idx ON shares (created_at)`,
	`CREATE INDEX IF NOT EXISTS shares_miner_id_idx ON shares (miner_id, id)`,
	`CREATE TABLE IF NOT EXISTS miners (
		miner_id   TEXT PRIMARY KEY,
		balance    BIGINT      NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS processed_transactions (
		txid         TEXT PRIMARY KEY,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS banned_ips (
		ip        TEXT PRIMARY KEY,
		reason    TEXT        NOT NULL DEFAULT '',
		banned_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		hash     TEXT PRIMARY KEY,
		miner_id TEXT        NOT NULL,
		job_id   TEXT        NOT NULL,
		nbits    BIGINT      NOT NULL,
		status   TEXT        NOT NULL,
		reason   TEXT        NOT NULL DEFAULT '',
		found_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payouts (
		txid    TEXT PRIMARY KEY,
		miners  INTEGER     NOT NULL,
		total   BIGINT      NOT NULL,
		fees    BIGINT      NOT NULL,
		outputs JSONB       NOT NULL,
		sent_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the tables and indexes the pool needs.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}

// internal/store/postgres.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config holds database configuration. URL wins over the individual fields
// when both are set.
type Config struct {
	URL      string `json:"url" yaml:"url"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Database string `json:"database" yaml:"database"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// Postgres wraps the shared connection pool.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool against the configured database.
func NewPostgres(cfg Config) (*Postgres, error) {
	dsn := cfg.URL
	if dsn == "" {
		if cfg.SSLMode == "" {
			cfg.SSLMode = "disable"
		}
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Postgres{db: db}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the recovery schema. Step results live in their own
// append-only table; run updates never touch them.
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS recovery_runs (
			run_id VARCHAR(64) PRIMARY KEY,
			scenario VARCHAR(64) NOT NULL,
			backup_id VARCHAR(255) NOT NULL,
			target_scope VARCHAR(255) NOT NULL,
			tier VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			detected_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			rto_ms BIGINT NOT NULL DEFAULT 0,
			rpo_ms BIGINT NOT NULL DEFAULT 0,
			emergency_backup_id VARCHAR(255),
			failure_reason TEXT,
			unhealthy_namespaces TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_runs_status ON recovery_runs(status)`,
		`CREATE TABLE IF NOT EXISTS recovery_steps (
			id BIGSERIAL PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL REFERENCES recovery_runs(run_id),
			step VARCHAR(64) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			detail TEXT,
			rollback BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recovery_steps_run ON recovery_steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS validation_reports (
			id VARCHAR(64) PRIMARY KEY,
			backup_id VARCHAR(255) NOT NULL,
			scope VARCHAR(255) NOT NULL,
			restore_succeeded BOOLEAN NOT NULL,
			resource_count INTEGER NOT NULL DEFAULT 0,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_validation_reports_created ON validation_reports(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS compliance_results (
			run_id VARCHAR(64) PRIMARY KEY,
			tier VARCHAR(32) NOT NULL,
			rto_met BOOLEAN NOT NULL,
			rpo_met BOOLEAN NOT NULL,
			recovery_time_ms BIGINT NOT NULL DEFAULT 0,
			data_loss_ms BIGINT NOT NULL DEFAULT 0,
			rto_margin_ms BIGINT NOT NULL DEFAULT 0,
			rpo_margin_ms BIGINT NOT NULL DEFAULT 0,
			evaluated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_compliance_results_tier ON compliance_results(tier, evaluated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS backup_jobs (
			id VARCHAR(64) PRIMARY KEY,
			scope VARCHAR(255) NOT NULL,
			tier VARCHAR(32) NOT NULL,
			backup_id VARCHAR(255),
			status VARCHAR(32) NOT NULL,
			error TEXT,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id VARCHAR(64) PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			run_id VARCHAR(64),
			severity VARCHAR(32) NOT NULL,
			detail TEXT,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_run ON audit_events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred ON audit_events(occurred_at DESC)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// ExecContext runs a statement on the pool.
func (p *Postgres) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the pool.
func (p *Postgres) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the pool.
func (p *Postgres) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// Helper functions for NULL handling
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

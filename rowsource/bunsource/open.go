package bunsource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-catalog-cache/pkg/logging"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DSNConfig describes the database to open.
type DSNConfig struct {
	Driver string
	DSN    string
	// MaxOpenConns caps the pool; zero leaves the database/sql default.
	// In-memory SQLite databases need 1, each connection sees its own database.
	MaxOpenConns int
	// Logger receives one debug line per query when set.
	Logger logging.Logger
}

// Validate checks the driver and DSN.
func (c DSNConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
	)
}

// Open connects to the database described by cfg and returns a bun handle
// using the matching dialect.
func Open(cfg DSNConfig) (*bun.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bunsource: %w", err)
	}

	var db *bun.DB
	switch cfg.Driver {
	case DriverSQLite:
		sqldb, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("bunsource: open sqlite: %w", err)
		}
		db = bun.NewDB(sqldb, sqlitedialect.New())
	case DriverPostgres:
		connCfg, err := pgx.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("bunsource: parse postgres dsn: %w", err)
		}
		db = bun.NewDB(stdlib.OpenDB(*connCfg), pgdialect.New())
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Logger != nil {
		db.AddQueryHook(&queryLogger{logger: cfg.Logger})
	}
	return db, nil
}

// queryLogger is a bun.QueryHook writing executed queries at debug level.
type queryLogger struct {
	logger logging.Logger
}

func (h *queryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *queryLogger) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	args := []any{"query", event.Query, "duration", time.Since(event.StartTime)}
	if event.Err != nil && event.Err != sql.ErrNoRows {
		args = append(args, "error", event.Err)
	}
	h.logger.Debug("catalog query", args...)
}

// Package warehouse runs compiled SQL against the execution backend
package warehouse

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/seanankenbruck/semantic-bi/internal/errors"
	"github.com/seanankenbruck/semantic-bi/internal/observability"
	"github.com/seanankenbruck/semantic-bi/internal/sqlgen"
)

// Result is the tabular outcome of a query
type Result struct {
	Columns   []string                 `json:"columns"`
	Rows      []map[string]interface{} `json:"rows"`
	RowCount  int                      `json:"row_count"`
	Truncated bool                     `json:"truncated,omitempty"`
	Duration  time.Duration            `json:"duration"`
}

// Empty reports whether the query returned no rows
func (r *Result) Empty() bool {
	return r == nil || r.RowCount == 0
}

// Executor runs a read-only statement with bound parameters
type Executor interface {
	Execute(ctx context.Context, query string, params []interface{}) (*Result, error)
}

// Config holds executor configuration
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Timeout         time.Duration
	MaxRows         int
}

// SQLExecutor executes queries over database/sql
type SQLExecutor struct {
	db       *sql.DB
	driver   string
	timeout  time.Duration
	maxRows  int
	firewall *sqlgen.Firewall
	logger   *observability.Logger
}

// Open connects to the warehouse and verifies the connection
func Open(ctx context.Context, cfg Config, logger *observability.Logger) (*SQLExecutor, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.NewDatabaseConnectionError(err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.NewDatabaseConnectionError(err)
	}

	return NewSQLExecutor(db, cfg, logger), nil
}

// NewSQLExecutor wraps an open connection
func NewSQLExecutor(db *sql.DB, cfg Config, logger *observability.Logger) *SQLExecutor {
	if logger == nil {
		logger = observability.NewLogger("warehouse")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SQLExecutor{
		db:       db,
		driver:   cfg.Driver,
		timeout:  timeout,
		maxRows:  cfg.MaxRows,
		firewall: sqlgen.NewFirewall(),
		logger:   logger,
	}
}

// Dialect returns the placeholder dialect of the connection
func (e *SQLExecutor) Dialect() sqlgen.Dialect {
	return sqlgen.DialectFor(e.driver)
}

// DB returns the underlying connection
func (e *SQLExecutor) DB() *sql.DB {
	return e.db
}

// Ping checks the connection
func (e *SQLExecutor) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Close closes the connection
func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

// Execute runs query after the firewall accepts it. Rows beyond MaxRows are dropped and
// the result is marked truncated.
func (e *SQLExecutor) Execute(ctx context.Context, query string, params []interface{}) (*Result, error) {
	if err := e.firewall.Check(query); err != nil {
		observability.RecordFirewallBlocked()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	result, err := e.query(ctx, query, params)
	duration := time.Since(start)

	rows := 0
	if result != nil {
		rows = result.RowCount
	}
	observability.RecordDBMetrics("execute", duration, rows, err)

	if err != nil {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			err = errors.NewExecutionTimeoutError(err, e.timeout.String())
		case stderrors.Is(err, context.Canceled):
			err = errors.NewCancelledError(err, "execution")
		default:
			err = errors.NewExecutionError(err)
		}
		e.logger.Error(ctx, "Query execution failed", err, map[string]interface{}{
			"duration_ms": duration.Milliseconds(),
		})
		return nil, err
	}

	result.Duration = duration
	e.logger.Debug(ctx, "Query executed", map[string]interface{}{
		"rows":        result.RowCount,
		"truncated":   result.Truncated,
		"duration_ms": duration.Milliseconds(),
	})
	return result, nil
}

func (e *SQLExecutor) query(ctx context.Context, query string, params []interface{}) (*Result, error) {
	rows, err := e.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &Result{Columns: cols, Rows: []map[string]interface{}{}}
	for rows.Next() {
		if e.maxRows > 0 && result.RowCount >= e.maxRows {
			result.Truncated = true
			break
		}

		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
		result.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// normalizeValue turns driver byte slices into strings so results serialize as text
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

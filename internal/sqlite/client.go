// Package sqlite backs the connection pool with an embedded SQLite
// database. Each client wraps its own database handle so pool accounting
// maps one-to-one onto real connections.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sharedeck/datakit/internal/dataaccess"
	"github.com/sharedeck/datakit/internal/pool"
	"github.com/sharedeck/datakit/pkg/errors"
)

// Config represents SQLite client configuration.
type Config struct {
	// DSN is the database path or ":memory:".
	DSN string `yaml:"dsn"`

	// BusyTimeout is how long SQLite waits on a locked database before
	// returning SQLITE_BUSY.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// DefaultConfig returns an in-memory database configuration.
func DefaultConfig() *Config {
	return &Config{
		DSN:         ":memory:",
		BusyTimeout: 5 * time.Second,
	}
}

// Client is one live SQLite handle. Connect must be called before any
// operation; using an unconnected client is a typed error, never a panic.
type Client struct {
	config *Config

	mu sync.Mutex
	db *sql.DB
}

// NewClient builds an unconnected client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DSN == "" {
		config.DSN = ":memory:"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	return &Client{config: config}
}

// Factory returns a pool.Factory producing connected clients for the
// given configuration.
func Factory(config *Config) pool.Factory {
	return func(ctx context.Context) (pool.Client, error) {
		return NewClient(config), nil
	}
}

// Connect opens and verifies the database handle. Calling Connect on an
// already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=%d", c.config.DSN, c.config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return errors.NewError(errors.ErrCodeClientCreation, "failed to open database").
			WithComponent("sqlite").WithOperation("connect").WithCause(err)
	}
	// One pool slot, one real connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.NewError(errors.ErrCodeClientCreation, "failed to verify database").
			WithComponent("sqlite").WithOperation("connect").WithCause(err)
	}

	c.db = db
	return nil
}

// Ping verifies the handle is still alive.
func (c *Client) Ping(ctx context.Context) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the database handle.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Run executes one operation. "query" returns rows as a slice of
// column-name maps; "exec" returns rows-affected and last-insert-id. The
// statement text comes from args["sql"], positional parameters from
// args["params"].
func (c *Client) Run(ctx context.Context, op dataaccess.Operation) (interface{}, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}

	stmt, params, err := statementArgs(op)
	if err != nil {
		return nil, err
	}

	switch op.Name {
	case "query", "findMany", "findUnique":
		return c.query(ctx, db, stmt, params)
	case "exec", "create", "update", "delete":
		return c.exec(ctx, db, stmt, params)
	default:
		return nil, errors.Newf(errors.ErrCodeQueryFailed, "unsupported operation %q", op.Name).
			WithComponent("sqlite").WithOperation(op.Name)
	}
}

// Helper methods

func (c *Client) handle() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil, errors.NewError(errors.ErrCodeNotConnected, "client is not connected").
			WithComponent("sqlite")
	}
	return c.db, nil
}

func (c *Client) query(ctx context.Context, db *sql.DB, stmt string, params []interface{}) (interface{}, error) {
	rows, err := db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scanTargets := make([]interface{}, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, name := range columns {
			if b, ok := values[i].([]byte); ok {
				row[name] = string(b)
			} else {
				row[name] = values[i]
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (c *Client) exec(ctx context.Context, db *sql.DB, stmt string, params []interface{}) (interface{}, error) {
	res, err := db.ExecContext(ctx, stmt, params...)
	if err != nil {
		return nil, err
	}

	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return map[string]interface{}{
		"rows_affected":  affected,
		"last_insert_id": lastID,
	}, nil
}

func statementArgs(op dataaccess.Operation) (string, []interface{}, error) {
	stmt, ok := op.Args["sql"].(string)
	if !ok || stmt == "" {
		return "", nil, errors.Newf(errors.ErrCodeValidationFailed,
			"%s.%s: missing sql statement", op.Model, op.Name).
			WithComponent("sqlite").WithOperation(op.Name)
	}

	var params []interface{}
	if raw, present := op.Args["params"]; present {
		params, ok = raw.([]interface{})
		if !ok {
			return "", nil, errors.Newf(errors.ErrCodeValidationFailed,
				"%s.%s: params must be a slice", op.Model, op.Name).
				WithComponent("sqlite").WithOperation(op.Name)
		}
	}
	return stmt, params, nil
}

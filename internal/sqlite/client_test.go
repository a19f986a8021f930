package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sharedeck/datakit/internal/dataaccess"
	"github.com/sharedeck/datakit/pkg/errors"
)

func newConnectedClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(&Config{DSN: filepath.Join(t.TempDir(), "test.db")})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestUnconnectedClientIsTypedError(t *testing.T) {
	c := NewClient(nil)

	if err := c.Ping(context.Background()); !errors.IsCode(err, errors.ErrCodeNotConnected) {
		t.Errorf("expected NOT_CONNECTED from Ping, got %v", err)
	}
	_, err := c.Run(context.Background(), dataaccess.Operation{Name: "query"})
	if !errors.IsCode(err, errors.ErrCodeNotConnected) {
		t.Errorf("expected NOT_CONNECTED from Run, got %v", err)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	c := newConnectedClient(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestExecAndQueryRoundTrip(t *testing.T) {
	c := newConnectedClient(t)
	ctx := context.Background()

	if _, err := c.Run(ctx, dataaccess.Operation{
		Model: "resource", Name: "exec",
		Args: map[string]interface{}{
			"sql": "CREATE TABLE resources (id INTEGER PRIMARY KEY, title TEXT)",
		},
	}); err != nil {
		t.Fatalf("create table failed: %v", err)
	}

	out, err := c.Run(ctx, dataaccess.Operation{
		Model: "resource", Name: "create",
		Args: map[string]interface{}{
			"sql":    "INSERT INTO resources (title) VALUES (?)",
			"params": []interface{}{"intro guide"},
		},
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	exec := out.(map[string]interface{})
	if exec["rows_affected"] != int64(1) {
		t.Errorf("unexpected exec result: %v", exec)
	}

	out, err = c.Run(ctx, dataaccess.Operation{
		Model: "resource", Name: "query",
		Args: map[string]interface{}{
			"sql":    "SELECT id, title FROM resources WHERE title = ?",
			"params": []interface{}{"intro guide"},
		},
	})
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}

	rows := out.([]map[string]interface{})
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["title"] != "intro guide" {
		t.Errorf("unexpected row: %v", rows[0])
	}
}

func TestRunRejectsMalformedOperations(t *testing.T) {
	c := newConnectedClient(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   dataaccess.Operation
		code errors.ErrorCode
	}{
		{
			name: "missing sql",
			op:   dataaccess.Operation{Model: "resource", Name: "query", Args: map[string]interface{}{}},
			code: errors.ErrCodeValidationFailed,
		},
		{
			name: "params wrong type",
			op: dataaccess.Operation{Model: "resource", Name: "query", Args: map[string]interface{}{
				"sql": "SELECT 1", "params": "oops",
			}},
			code: errors.ErrCodeValidationFailed,
		},
		{
			name: "unsupported operation",
			op: dataaccess.Operation{Model: "resource", Name: "upsert", Args: map[string]interface{}{
				"sql": "SELECT 1",
			}},
			code: errors.ErrCodeQueryFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Run(ctx, tt.op); !errors.IsCode(err, tt.code) {
				t.Errorf("expected %s, got %v", tt.code, err)
			}
		})
	}
}

func TestFactoryProducesWorkingClients(t *testing.T) {
	factory := Factory(&Config{DSN: filepath.Join(t.TempDir(), "pooled.db")})

	client, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

package transport

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// Backend executes a query against the real MySQL/MariaDB server when
// the cache cannot answer it.
type Backend interface {
	Execute(ctx context.Context, query string) ([]byte, error)
}

// SQLBackend is a Backend over database/sql using the MySQL driver.
type SQLBackend struct {
	db *sql.DB
}

// NewSQLBackend opens a connection pool to dsn. It does not eagerly
// connect; the first Execute call establishes the connection, the same
// deferred-dial behavior database/sql always has.
func NewSQLBackend(dsn string) (*SQLBackend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("transport: opening backend: %w", err)
	}
	return &SQLBackend{db: db}, nil
}

func (b *SQLBackend) Close() error { return b.db.Close() }

// row is one result row, column name to textual value, matching the
// simple JSON shape the cache stores and replays.
type row map[string]*string

// Execute runs query and serializes every returned row as JSON. This is
// deliberately simple: full binary-protocol fidelity is out of scope
// (spec.md Non-goals), and textual column values round-trip cleanly
// through both the cache and the wire format.
func (b *SQLBackend) Execute(ctx context.Context, query string) ([]byte, error) {
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []row
	scanArgs := make([]interface{}, len(cols))
	values := make([]sql.NullString, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}
		r := make(row, len(cols))
		for i, col := range cols {
			if values[i].Valid {
				v := values[i].String
				r[col] = &v
			} else {
				r[col] = nil
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return json.Marshal(out)
}

// Copyright 2024 The Roundsman Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"
)

// ErrUnsupportedDSN is returned by NewSQLBackend when the DSN's scheme
// does not match any of the three registered drivers.
var ErrUnsupportedDSN = errors.New("backend: unsupported DSN scheme")

// SQLBackend writes points into a single flat results table, as an
// operator-supplied alternative to the line-protocol HTTPBackend for
// fleets that would rather point roundsman at a database they already
// run. Driver selection is by DSN scheme, not by a separate flag, so one
// connection string is the whole configuration surface.
type SQLBackend struct {
	db     *sql.DB
	driver string
}

// NewSQLBackend opens dsn against the driver implied by its scheme:
//
//	mysql://...            -> github.com/go-sql-driver/mysql
//	postgres://, postgresql://  -> github.com/jackc/pgx/v5/stdlib
//	sqlite://, file:            -> github.com/mattn/go-sqlite3
//
// and ensures the results table exists. Any other DSN, including a bare
// file path, is rejected with ErrUnsupportedDSN.
func NewSQLBackend(ctx context.Context, dsn string) (*SQLBackend, error) {
	driver, open, err := driverFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, open)
	if err != nil {
		return nil, fmt.Errorf("backend: opening %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: pinging %s: %w", driver, err)
	}
	b := &SQLBackend{db: db, driver: driver}
	if err := b.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func driverFor(dsn string) (driver, open string, err error) {
	switch {
	case strings.HasPrefix(dsn, "mysql://"):
		return "mysql", strings.TrimPrefix(dsn, "mysql://"), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "pgx", dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"):
		return "sqlite3", dsn, nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedDSN, dsn)
	}
}

const createTableStmt = `CREATE TABLE IF NOT EXISTS results (
	measurement VARCHAR(255) NOT NULL,
	tags        TEXT NOT NULL,
	success     BOOLEAN NOT NULL,
	result      TEXT
)`

// insertStmt returns the parameterized insert for b's driver: pgx wants
// numbered placeholders, mysql and sqlite3 want bare "?".
func (b *SQLBackend) insertStmt() string {
	if b.driver == "pgx" {
		return `INSERT INTO results (measurement, tags, success, result) VALUES ($1, $2, $3, $4)`
	}
	return `INSERT INTO results (measurement, tags, success, result) VALUES (?, ?, ?, ?)`
}

func (b *SQLBackend) ensureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, createTableStmt); err != nil {
		return fmt.Errorf("backend: creating results table: %w", err)
	}
	return nil
}

// WritePoints inserts each point as one row, inside a single transaction.
// It returns false on any failure, rolling back whatever was written in
// that batch.
func (b *SQLBackend) WritePoints(ctx context.Context, points []Point) bool {
	if len(points) == 0 {
		return true
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		klog.Warningf("backend: beginning transaction: %v", err)
		return false
	}

	for _, p := range points {
		tags, err := json.Marshal(p.Tags)
		if err != nil {
			klog.Warningf("backend: marshaling tags: %v", err)
			tx.Rollback()
			return false
		}
		success, _ := p.Fields["success"].(bool)
		var result sql.NullString
		if v, ok := p.Fields["result"]; ok && v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				klog.Warningf("backend: marshaling result: %v", err)
				tx.Rollback()
				return false
			}
			result = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, b.insertStmt(),
			p.Measurement, string(tags), success, result,
		); err != nil {
			klog.Warningf("backend: inserting point for %s: %v", p.Measurement, err)
			tx.Rollback()
			return false
		}
	}

	if err := tx.Commit(); err != nil {
		klog.Warningf("backend: committing batch: %v", err)
		return false
	}
	return true
}

// Close releases the backend's database connection.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}

// newSQLBackendWithDB wraps an already-open database handle, skipping DSN
// parsing and schema creation, so tests can exercise WritePoints against a
// sqlmock connection.
func newSQLBackendWithDB(db *sql.DB, driver string) *SQLBackend {
	return &SQLBackend{db: db, driver: driver}
}

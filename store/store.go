// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the Persistence Adapter (spec §4.5): a pooled
// relational connection with parameter-bound queries, a transaction
// helper, and retry-wrapped writes. It never creates or migrates
// schema — that is an external collaborator's job (spec §9 Open
// Question 2); a query against an undefined relation is not retried and
// its error is returned to the caller (the repositories built on Store
// wrap most such errors in a PersistenceError).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"compliancecore/errkind"
	"compliancecore/logger"
	"compliancecore/retry"
)

// Config configures the pooled connection.
type Config struct {
	DatabaseURL    string
	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
	ConnMaxLifetime time.Duration
}

// Store wraps a pooled *sql.DB with retrying writes and a transaction helper.
type Store struct {
	db     *sql.DB
	cfg    Config
	log    *logger.Logger
	retryCfg *retry.Config
}

// Open opens the pooled connection and verifies it with a ping.
func Open(cfg Config, log *logger.Logger) (*Store, error) {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 25
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 2
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, &errkind.PersistenceError{Operation: "open", Cause: err}
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AcquireTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, &errkind.PersistenceError{Operation: "ping", Cause: err}
	}

	return &Store{db: db, cfg: cfg, log: log, retryCfg: retry.DefaultConfig()}, nil
}

// NewWithDB wraps an already-open *sql.DB, skipping the pool-sizing and
// ping steps Open performs. Intended for tests that substitute a
// sqlmock database and for callers that manage their own *sql.DB
// lifecycle.
func NewWithDB(db *sql.DB, log *logger.Logger) *Store {
	return &Store{db: db, log: log, retryCfg: retry.DefaultConfig()}
}

// DB exposes the underlying pool for repositories that need raw access
// (prepared statements, row scanning) — repositories still never build
// SQL by string interpolation; every value crosses the boundary as a
// bound parameter.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the pool. The pool itself evicts broken connections and
// opens replacements transparently (database/sql's built-in behavior);
// this wrapper doesn't need to manage that itself.
func (s *Store) Close() error { return s.db.Close() }

// Stats reports pool occupancy for the orchestrator's status() snapshot.
func (s *Store) Stats() sql.DBStats { return s.db.Stats() }

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error or panic. Used by audit-trail saving and by
// human-feedback recording, both of which spec §5 requires to be single-transaction
// operations.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, beginErr := s.db.BeginTx(ctx, nil)
	if beginErr != nil {
		return &errkind.PersistenceError{Operation: "begin_tx", Cause: beginErr}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = &errkind.PersistenceError{Operation: "commit", Cause: commitErr}
		}
	}()

	err = fn(tx)
	return err
}

// ExecRetry runs a write statement with bound parameters under the
// persistence retry policy (spec §4.1: 3 attempts, 50ms->400ms).
func (s *Store) ExecRetry(ctx context.Context, query string, args ...interface{}) error {
	return retry.Void(ctx, s.retryCfg, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		return nil
	})
}

// QueryRowRetry runs a single-row query under the same retry policy and
// lets the caller scan the result.
func (s *Store) QueryRowRetry(ctx context.Context, query string, args []interface{}, scan func(*sql.Row) error) error {
	return retry.Void(ctx, s.retryCfg, func() error {
		row := s.db.QueryRowContext(ctx, query, args...)
		return scan(row)
	})
}

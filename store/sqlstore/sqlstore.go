/*
Package sqlstore provides the relational implementation of license.Store
and stock.Store on sqlx.

DRIVERS:
  sqlite3:  default, and what the tests use (":memory:")
  postgres: lib/pq; row locks via SELECT ... FOR UPDATE

APPEND-ONLY ENFORCEMENT:
  - ledger_entries and retest_windows: INSERT only
  - stock_movements: INSERT, plus DELETE by purchase reversal only
  - license_balances / stock_rows: cached aggregates, changed only in the
    transaction that writes the row they mirror

KEY TABLES:
  accounts, license_types, ledger_entries, license_balances, retest_windows
  stock_rows, stock_movements, device_stock_mappings, devices, device_events
  purchases, purchase_items, received_items, transfers, transfer_items

TIMESTAMPS:
  Stored as fixed-width UTC TEXT so string order is time order under both
  dialects.

CONCURRENCY:
  sqlite has one connection and a store mutex around every transaction.
  Every query inside WithTx must go through the transaction handle, the
  pool has no second connection to give. Postgres relies on row locks.

USAGE:
  db, err := sqlstore.Open("sqlite3", "./data/refurb.db")
  if err != nil {
      log.Fatal(err)
  }
  defer db.Close()

  svc := license.NewService(db.Licenses(), license.ServiceConfig{})
*/
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DB owns the connection pool. It hands out the license and stock stores.
type DB struct {
	db     *sqlx.DB
	driver string
	mu     sync.Mutex // sqlite writer serialization
}

// Open connects and migrates. Use ":memory:" with sqlite3 for tests.
func Open(driverName, dsn string) (*DB, error) {
	switch driverName {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driverName == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	d := &DB{db: db, driver: driverName}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Licenses() *LicenseStore {
	return &LicenseStore{db: d, licenseQueries: licenseQueries{d.queries(d.db)}}
}

func (d *DB) Stock() *StockStore {
	return &StockStore{db: d, stockQueries: stockQueries{d.queries(d.db)}}
}

func (d *DB) queries(ext sqlx.ExtContext) queries {
	return queries{ext: ext, postgres: d.driver == DriverPostgres}
}

func (d *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if d.driver == DriverSQLite {
		d.mu.Lock()
		defer d.mu.Unlock()
	}

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// SCHEMA
// =============================================================================

func (d *DB) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	for _, stmt := range strings.Split(strings.ReplaceAll(schema, "{{SERIAL}}", serial), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

const schema = `
-- Licensing accounts (one per tenant)
CREATE TABLE IF NOT EXISTS accounts (
	tenant_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	billing_model TEXT NOT NULL,
	credit_limit BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS license_types (
	id TEXT PRIMARY KEY,
	product_category TEXT NOT NULL DEFAULT '',
	test_type TEXT NOT NULL DEFAULT '',
	unit_price TEXT NOT NULL DEFAULT '0',
	active INTEGER NOT NULL DEFAULT 1,
	retest_grace_ns BIGINT NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Ledger (append-only)
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq {{SERIAL}},
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	license_type_id TEXT NOT NULL REFERENCES license_types(id),
	amount BIGINT NOT NULL,
	tx_type TEXT NOT NULL,
	device_identifier TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

-- Balance recomputation and balance-at (hot path)
CREATE INDEX IF NOT EXISTS idx_ledger_tenant_type_created
	ON ledger_entries(tenant_id, license_type_id, created_at);

-- History, newest first
CREATE INDEX IF NOT EXISTS idx_ledger_tenant_created
	ON ledger_entries(tenant_id, created_at DESC, seq DESC);

-- Cached balance projection
CREATE TABLE IF NOT EXISTS license_balances (
	tenant_id TEXT NOT NULL,
	license_type_id TEXT NOT NULL,
	balance BIGINT NOT NULL DEFAULT 0,
	entry_count BIGINT NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, license_type_id)
);

-- Retest windows (append-only, device_licenses in older schemas)
CREATE TABLE IF NOT EXISTS retest_windows (
	seq {{SERIAL}},
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	license_type_id TEXT NOT NULL,
	device_identifier TEXT NOT NULL,
	entry_id TEXT NOT NULL,
	activated_at TEXT NOT NULL,
	valid_until TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retest_windows_device
	ON retest_windows(tenant_id, device_identifier, license_type_id);

-- Stock quantity cache
CREATE TABLE IF NOT EXISTS stock_rows (
	tenant_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	warehouse_id TEXT NOT NULL,
	quantity BIGINT NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, sku, warehouse_id)
);

CREATE TABLE IF NOT EXISTS stock_movements (
	seq {{SERIAL}},
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	warehouse_id TEXT NOT NULL,
	delta BIGINT NOT NULL,
	ref_type TEXT NOT NULL,
	ref_id TEXT NOT NULL,
	device_identifier TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

-- Reversal lookup
CREATE INDEX IF NOT EXISTS idx_stock_movements_ref
	ON stock_movements(tenant_id, ref_type, ref_id);
CREATE INDEX IF NOT EXISTS idx_stock_movements_row
	ON stock_movements(tenant_id, sku, warehouse_id);

-- CRITICAL: at most one mapping per device
CREATE TABLE IF NOT EXISTS device_stock_mappings (
	tenant_id TEXT NOT NULL,
	device_identifier TEXT NOT NULL,
	sku TEXT NOT NULL,
	warehouse_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, device_identifier)
);

CREATE TABLE IF NOT EXISTS devices (
	tenant_id TEXT NOT NULL,
	device_identifier TEXT NOT NULL,
	warehouse_id TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, device_identifier)
);

CREATE TABLE IF NOT EXISTS device_events (
	seq {{SERIAL}},
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	device_identifier TEXT NOT NULL,
	event_type TEXT NOT NULL,
	warehouse_id TEXT NOT NULL DEFAULT '',
	ref_type TEXT NOT NULL DEFAULT '',
	ref_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_device_events_device
	ON device_events(tenant_id, device_identifier);

CREATE TABLE IF NOT EXISTS purchases (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	warehouse_id TEXT NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS purchase_items (
	id TEXT PRIMARY KEY,
	purchase_id TEXT NOT NULL REFERENCES purchases(id),
	tenant_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	unit_cost TEXT NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS received_items (
	id TEXT PRIMARY KEY,
	purchase_id TEXT NOT NULL REFERENCES purchases(id),
	purchase_item_id TEXT NOT NULL REFERENCES purchase_items(id),
	tenant_id TEXT NOT NULL,
	sku TEXT NOT NULL,
	warehouse_id TEXT NOT NULL,
	device_identifier TEXT NOT NULL DEFAULT '',
	quantity BIGINT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purchase_items_purchase ON purchase_items(purchase_id);
CREATE INDEX IF NOT EXISTS idx_received_items_purchase ON received_items(purchase_id);

CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	source_warehouse TEXT NOT NULL,
	dest_warehouse TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_transfers_tenant_status ON transfers(tenant_id, status);

CREATE TABLE IF NOT EXISTS transfer_items (
	id TEXT PRIMARY KEY,
	transfer_id TEXT NOT NULL REFERENCES transfers(id),
	line_no INTEGER NOT NULL,
	sku TEXT NOT NULL,
	device_identifier TEXT NOT NULL DEFAULT '',
	quantity BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfer_items_transfer ON transfer_items(transfer_id, line_no)
`

// =============================================================================
// QUERY HELPERS
// =============================================================================

// queries runs against either the pool or a transaction.
type queries struct {
	ext      sqlx.ExtContext
	postgres bool
}

func (q queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q queries) sel(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

// execCount runs a statement and returns the rows it affected.
func (q queries) execCount(ctx context.Context, query string, args ...any) (int, error) {
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// insertSeq runs an INSERT ... RETURNING seq.
func (q queries) insertSeq(ctx context.Context, query string, args ...any) (int64, error) {
	var seq int64
	err := q.ext.QueryRowxContext(ctx, q.ext.Rebind(query+" RETURNING seq"), args...).Scan(&seq)
	return seq, err
}

func (q queries) forUpdate() string {
	if q.postgres {
		return " FOR UPDATE"
	}
	return ""
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// TIMESTAMPS
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timestamp scans the TEXT encoding back into a time.Time.
type timestamp time.Time

func (t timestamp) Value() (driver.Value, error) {
	return formatTime(time.Time(t)), nil
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case time.Time:
		*t = timestamp(v.UTC())
		return nil
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (t *timestamp) parse(s string) error {
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*t = timestamp(parsed.UTC())
	return nil
}

func (t timestamp) Time() time.Time { return time.Time(t) }

// nullTimestamp is a timestamp column that may be NULL.
type nullTimestamp struct {
	Time  time.Time
	Valid bool
}

func (n *nullTimestamp) Scan(src any) error {
	if src == nil {
		*n = nullTimestamp{}
		return nil
	}
	var t timestamp
	if err := t.Scan(src); err != nil {
		return err
	}
	*n = nullTimestamp{Time: t.Time(), Valid: true}
	return nil
}

func (n nullTimestamp) Ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

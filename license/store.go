/*
store.go - Persistence interface for the license ledger

KEY INTERFACES:
  Reader: read-only queries (accounts, types, balances, entries, windows)
  Writer: Reader plus the writes allowed inside a transaction
  Store:  Reader plus WithTx for atomic multi-row writes

APPEND-ONLY CONTRACT:
  ledger_entries and retest_windows have insert methods only. The cached
  balance row is the one mutable aggregate and is only touched by
  AdjustBalance, which appendEntry calls in the same transaction as the
  insert it mirrors.

IMPLEMENTATIONS:
  - store/sqlstore: sqlite3 / postgres via sqlx
  - license/store: in-memory for tests
*/
package license

import (
	"context"
	"time"
)

// Reader holds the read-only queries.
type Reader interface {
	// GetAccount returns nil, nil when the tenant has no account.
	GetAccount(ctx context.Context, tenantID TenantID) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// GetLicenseType returns nil, nil when the id is unknown.
	GetLicenseType(ctx context.Context, id LicenseTypeID) (*LicenseType, error)
	ListLicenseTypes(ctx context.Context) ([]LicenseType, error)

	// CachedBalance reads the incrementally maintained counter (0 if no row).
	CachedBalance(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID) (int64, error)
	ListBalances(ctx context.Context, tenantID TenantID) ([]BalanceRow, error)

	// SumEntries recomputes the balance from the ledger. A nil at sums everything,
	// otherwise only entries with created_at <= at.
	SumEntries(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, at *time.Time) (int64, error)
	CountEntries(ctx context.Context, licenseTypeID LicenseTypeID) (int64, error)

	// ListEntries returns a page ordered by created_at desc, seq desc, plus the total.
	ListEntries(ctx context.Context, tenantID TenantID, filter HistoryFilter, page Page) ([]LedgerEntry, int, error)

	// ListRetestWindows returns every window for the device/type, oldest first.
	ListRetestWindows(ctx context.Context, tenantID TenantID, deviceIdentifier string, licenseTypeID LicenseTypeID) ([]RetestWindow, error)
}

// Writer is only handed out inside WithTx.
type Writer interface {
	Reader

	// LockBalance takes the row-level guard on the (tenant, type) balance
	// row, creating it at 0 if missing, and returns the cached balance.
	LockBalance(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID) (int64, error)

	// InsertEntry appends an entry and returns it with Seq assigned.
	InsertEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error)

	// AdjustBalance adds delta to the cached balance row.
	AdjustBalance(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, delta int64, at time.Time) error

	// InsertRetestWindow appends a window and returns it with Seq assigned.
	InsertRetestWindow(ctx context.Context, w RetestWindow) (RetestWindow, error)

	SaveAccount(ctx context.Context, a Account) error
	InsertLicenseType(ctx context.Context, lt LicenseType) error
	UpdateLicenseType(ctx context.Context, lt LicenseType) error
	DeleteLicenseType(ctx context.Context, id LicenseTypeID) error
}

// Store is the root handle.
type Store interface {
	Reader

	// WithTx runs fn in one transaction; fn returning an error rolls back.
	WithTx(ctx context.Context, fn func(Writer) error) error
}

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/warp/refurb-engine/license"
)

// LicenseStore implements license.Store.
type LicenseStore struct {
	db *DB
	licenseQueries
}

// WithTx runs fn against a transaction-bound license.Writer.
func (s *LicenseStore) WithTx(ctx context.Context, fn func(license.Writer) error) error {
	return s.db.withTx(ctx, func(tx *sqlx.Tx) error {
		return fn(licenseQueries{s.db.queries(tx)})
	})
}

// licenseQueries implements license.Writer over the pool or a transaction.
type licenseQueries struct {
	queries
}

// =============================================================================
// ROWS
// =============================================================================

type accountRow struct {
	TenantID     string    `db:"tenant_id"`
	Name         string    `db:"name"`
	BillingModel string    `db:"billing_model"`
	CreditLimit  int64     `db:"credit_limit"`
	CreatedAt    timestamp `db:"created_at"`
}

func (r accountRow) toAccount() license.Account {
	return license.Account{
		TenantID:     license.TenantID(r.TenantID),
		Name:         r.Name,
		BillingModel: license.BillingModel(r.BillingModel),
		CreditLimit:  r.CreditLimit,
		CreatedAt:    r.CreatedAt.Time(),
	}
}

type licenseTypeRow struct {
	ID              string          `db:"id"`
	ProductCategory string          `db:"product_category"`
	TestType        string          `db:"test_type"`
	UnitPrice       decimal.Decimal `db:"unit_price"`
	Active          bool            `db:"active"`
	RetestGraceNs   int64           `db:"retest_grace_ns"`
	CreatedAt       timestamp       `db:"created_at"`
	UpdatedAt       timestamp       `db:"updated_at"`
}

func (r licenseTypeRow) toLicenseType() license.LicenseType {
	return license.LicenseType{
		ID:                license.LicenseTypeID(r.ID),
		ProductCategory:   r.ProductCategory,
		TestType:          r.TestType,
		UnitPrice:         r.UnitPrice,
		Active:            r.Active,
		RetestGracePeriod: time.Duration(r.RetestGraceNs),
		CreatedAt:         r.CreatedAt.Time(),
		UpdatedAt:         r.UpdatedAt.Time(),
	}
}

type entryRow struct {
	Seq              int64     `db:"seq"`
	ID               string    `db:"id"`
	TenantID         string    `db:"tenant_id"`
	LicenseTypeID    string    `db:"license_type_id"`
	Amount           int64     `db:"amount"`
	TxType           string    `db:"tx_type"`
	DeviceIdentifier string    `db:"device_identifier"`
	Note             string    `db:"note"`
	CreatedAt        timestamp `db:"created_at"`
}

func (r entryRow) toEntry() license.LedgerEntry {
	return license.LedgerEntry{
		ID:               license.EntryID(r.ID),
		Seq:              r.Seq,
		TenantID:         license.TenantID(r.TenantID),
		LicenseTypeID:    license.LicenseTypeID(r.LicenseTypeID),
		Amount:           r.Amount,
		Type:             license.TransactionType(r.TxType),
		DeviceIdentifier: r.DeviceIdentifier,
		Note:             r.Note,
		CreatedAt:        r.CreatedAt.Time(),
	}
}

type windowRow struct {
	Seq              int64     `db:"seq"`
	ID               string    `db:"id"`
	TenantID         string    `db:"tenant_id"`
	LicenseTypeID    string    `db:"license_type_id"`
	DeviceIdentifier string    `db:"device_identifier"`
	EntryID          string    `db:"entry_id"`
	ActivatedAt      timestamp `db:"activated_at"`
	ValidUntil       timestamp `db:"valid_until"`
}

func (r windowRow) toWindow() license.RetestWindow {
	return license.RetestWindow{
		ID:               license.WindowID(r.ID),
		Seq:              r.Seq,
		TenantID:         license.TenantID(r.TenantID),
		LicenseTypeID:    license.LicenseTypeID(r.LicenseTypeID),
		DeviceIdentifier: r.DeviceIdentifier,
		EntryID:          license.EntryID(r.EntryID),
		ActivatedAt:      r.ActivatedAt.Time(),
		ValidUntil:       r.ValidUntil.Time(),
	}
}

type balanceRow struct {
	TenantID      string    `db:"tenant_id"`
	LicenseTypeID string    `db:"license_type_id"`
	Balance       int64     `db:"balance"`
	EntryCount    int64     `db:"entry_count"`
	UpdatedAt     timestamp `db:"updated_at"`
}

// =============================================================================
// READER
// =============================================================================

func (q licenseQueries) GetAccount(ctx context.Context, tenantID license.TenantID) (*license.Account, error) {
	var row accountRow
	err := q.get(ctx, &row, `SELECT tenant_id, name, billing_model, credit_limit, created_at
		FROM accounts WHERE tenant_id = ?`, string(tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a := row.toAccount()
	return &a, nil
}

func (q licenseQueries) ListAccounts(ctx context.Context) ([]license.Account, error) {
	var rows []accountRow
	if err := q.sel(ctx, &rows, `SELECT tenant_id, name, billing_model, credit_limit, created_at
		FROM accounts ORDER BY tenant_id`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]license.Account, len(rows))
	for i, r := range rows {
		out[i] = r.toAccount()
	}
	return out, nil
}

const licenseTypeColumns = `id, product_category, test_type, unit_price, active, retest_grace_ns, created_at, updated_at`

func (q licenseQueries) GetLicenseType(ctx context.Context, id license.LicenseTypeID) (*license.LicenseType, error) {
	var row licenseTypeRow
	err := q.get(ctx, &row, `SELECT `+licenseTypeColumns+` FROM license_types WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get license type: %w", err)
	}
	lt := row.toLicenseType()
	return &lt, nil
}

func (q licenseQueries) ListLicenseTypes(ctx context.Context) ([]license.LicenseType, error) {
	var rows []licenseTypeRow
	if err := q.sel(ctx, &rows, `SELECT `+licenseTypeColumns+` FROM license_types ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list license types: %w", err)
	}
	out := make([]license.LicenseType, len(rows))
	for i, r := range rows {
		out[i] = r.toLicenseType()
	}
	return out, nil
}

func (q licenseQueries) CachedBalance(ctx context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID) (int64, error) {
	var balance int64
	err := q.get(ctx, &balance, `SELECT balance FROM license_balances WHERE tenant_id = ? AND license_type_id = ?`,
		string(tenantID), string(licenseTypeID))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cached balance: %w", err)
	}
	return balance, nil
}

func (q licenseQueries) ListBalances(ctx context.Context, tenantID license.TenantID) ([]license.BalanceRow, error) {
	var rows []balanceRow
	err := q.sel(ctx, &rows, `SELECT tenant_id, license_type_id, balance, entry_count, updated_at
		FROM license_balances WHERE tenant_id = ? ORDER BY license_type_id`, string(tenantID))
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	out := make([]license.BalanceRow, len(rows))
	for i, r := range rows {
		out[i] = license.BalanceRow{
			TenantID:      license.TenantID(r.TenantID),
			LicenseTypeID: license.LicenseTypeID(r.LicenseTypeID),
			Balance:       r.Balance,
			EntryCount:    r.EntryCount,
			UpdatedAt:     r.UpdatedAt.Time(),
		}
	}
	return out, nil
}

func (q licenseQueries) SumEntries(ctx context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID, at *time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE tenant_id = ? AND license_type_id = ?`
	args := []any{string(tenantID), string(licenseTypeID)}
	if at != nil {
		query += ` AND created_at <= ?`
		args = append(args, formatTime(*at))
	}
	var sum int64
	if err := q.get(ctx, &sum, query, args...); err != nil {
		return 0, fmt.Errorf("sum entries: %w", err)
	}
	return sum, nil
}

func (q licenseQueries) CountEntries(ctx context.Context, licenseTypeID license.LicenseTypeID) (int64, error) {
	var n int64
	if err := q.get(ctx, &n, `SELECT COUNT(*) FROM ledger_entries WHERE license_type_id = ?`, string(licenseTypeID)); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (q licenseQueries) ListEntries(ctx context.Context, tenantID license.TenantID, filter license.HistoryFilter, page license.Page) ([]license.LedgerEntry, int, error) {
	where := []string{"tenant_id = ?"}
	args := []any{string(tenantID)}
	if filter.LicenseTypeID != nil {
		where = append(where, "license_type_id = ?")
		args = append(args, string(*filter.LicenseTypeID))
	}
	if filter.DeviceIdentifier != nil {
		where = append(where, "device_identifier = ?")
		args = append(args, *filter.DeviceIdentifier)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		where = append(where, "tx_type IN (?)")
		args = append(args, types)
	}
	clause := " WHERE " + strings.Join(where, " AND ")

	countQuery, countArgs, err := sqlx.In(`SELECT COUNT(*) FROM ledger_entries`+clause, args...)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := q.get(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	page = page.Normalize()
	pageQuery, pageArgs, err := sqlx.In(`SELECT seq, id, tenant_id, license_type_id, amount, tx_type, device_identifier, note, created_at
		FROM ledger_entries`+clause+` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	var rows []entryRow
	if err := q.sel(ctx, &rows, pageQuery, pageArgs...); err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	out := make([]license.LedgerEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, total, nil
}

func (q licenseQueries) ListRetestWindows(ctx context.Context, tenantID license.TenantID, deviceIdentifier string, licenseTypeID license.LicenseTypeID) ([]license.RetestWindow, error) {
	var rows []windowRow
	err := q.sel(ctx, &rows, `SELECT seq, id, tenant_id, license_type_id, device_identifier, entry_id, activated_at, valid_until
		FROM retest_windows
		WHERE tenant_id = ? AND device_identifier = ? AND license_type_id = ?
		ORDER BY seq`, string(tenantID), deviceIdentifier, string(licenseTypeID))
	if err != nil {
		return nil, fmt.Errorf("list retest windows: %w", err)
	}
	out := make([]license.RetestWindow, len(rows))
	for i, r := range rows {
		out[i] = r.toWindow()
	}
	return out, nil
}

// =============================================================================
// WRITER
// =============================================================================

func (q licenseQueries) LockBalance(ctx context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID) (int64, error) {
	_, err := q.exec(ctx, `INSERT INTO license_balances (tenant_id, license_type_id, balance, entry_count, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT (tenant_id, license_type_id) DO NOTHING`,
		string(tenantID), string(licenseTypeID), formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("init balance row: %w", err)
	}
	var balance int64
	err = q.get(ctx, &balance, `SELECT balance FROM license_balances
		WHERE tenant_id = ? AND license_type_id = ?`+q.forUpdate(),
		string(tenantID), string(licenseTypeID))
	if err != nil {
		return 0, fmt.Errorf("lock balance row: %w", err)
	}
	return balance, nil
}

func (q licenseQueries) InsertEntry(ctx context.Context, e license.LedgerEntry) (license.LedgerEntry, error) {
	seq, err := q.insertSeq(ctx, `INSERT INTO ledger_entries
		(id, tenant_id, license_type_id, amount, tx_type, device_identifier, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID), string(e.TenantID), string(e.LicenseTypeID), e.Amount, string(e.Type),
		e.DeviceIdentifier, e.Note, formatTime(e.CreatedAt))
	if err != nil {
		return license.LedgerEntry{}, err
	}
	e.Seq = seq
	return e, nil
}

func (q licenseQueries) AdjustBalance(ctx context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID, delta int64, at time.Time) error {
	_, err := q.exec(ctx, `INSERT INTO license_balances (tenant_id, license_type_id, balance, entry_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (tenant_id, license_type_id) DO UPDATE SET
			balance = license_balances.balance + excluded.balance,
			entry_count = license_balances.entry_count + 1,
			updated_at = excluded.updated_at`,
		string(tenantID), string(licenseTypeID), delta, formatTime(at))
	return err
}

func (q licenseQueries) InsertRetestWindow(ctx context.Context, w license.RetestWindow) (license.RetestWindow, error) {
	seq, err := q.insertSeq(ctx, `INSERT INTO retest_windows
		(id, tenant_id, license_type_id, device_identifier, entry_id, activated_at, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(w.ID), string(w.TenantID), string(w.LicenseTypeID), w.DeviceIdentifier, string(w.EntryID),
		formatTime(w.ActivatedAt), formatTime(w.ValidUntil))
	if err != nil {
		return license.RetestWindow{}, err
	}
	w.Seq = seq
	return w, nil
}

func (q licenseQueries) SaveAccount(ctx context.Context, a license.Account) error {
	_, err := q.exec(ctx, `INSERT INTO accounts (tenant_id, name, billing_model, credit_limit, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = excluded.name,
			billing_model = excluded.billing_model,
			credit_limit = excluded.credit_limit`,
		string(a.TenantID), a.Name, string(a.BillingModel), a.CreditLimit, formatTime(a.CreatedAt))
	return err
}

func (q licenseQueries) InsertLicenseType(ctx context.Context, lt license.LicenseType) error {
	_, err := q.exec(ctx, `INSERT INTO license_types (`+licenseTypeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(lt.ID), lt.ProductCategory, lt.TestType, lt.UnitPrice.String(), boolToInt(lt.Active),
		int64(lt.RetestGracePeriod), formatTime(lt.CreatedAt), formatTime(lt.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", license.ErrLicenseTypeExists, lt.ID)
	}
	return err
}

func (q licenseQueries) UpdateLicenseType(ctx context.Context, lt license.LicenseType) error {
	_, err := q.exec(ctx, `UPDATE license_types SET
			product_category = ?, test_type = ?, unit_price = ?, active = ?, retest_grace_ns = ?, updated_at = ?
		WHERE id = ?`,
		lt.ProductCategory, lt.TestType, lt.UnitPrice.String(), boolToInt(lt.Active),
		int64(lt.RetestGracePeriod), formatTime(lt.UpdatedAt), string(lt.ID))
	return err
}

func (q licenseQueries) DeleteLicenseType(ctx context.Context, id license.LicenseTypeID) error {
	_, err := q.exec(ctx, `DELETE FROM license_types WHERE id = ?`, string(id))
	return err
}

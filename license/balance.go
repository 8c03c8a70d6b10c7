/*
balance.go - Balance derivation

PURPOSE:
  Answers "how many licenses does this tenant have for this type?" now and
  at any past instant.

SOURCES:
  Current:   cached counter row (indexed lookup, hot path)
  Recompute: SUM over ledger entries (audit path)
  At:        SUM over entries with created_at <= at (history)

  Current and Recompute must agree; Reconcile reports when they do not.

CONSUME CHECK:
  amount <= balance - account.Floor()
    prepaid:  floor = 0
    postpaid: floor = -credit_limit
  The difference is computed without wrapping.
*/
package license

import (
	"context"
	"math"
	"time"
)

// BalanceCalculator derives balances from a Reader. Inside a transaction,
// build it over the Writer so reads see uncommitted entries.
type BalanceCalculator struct {
	Reader Reader
}

// Current returns the cached balance.
func (bc BalanceCalculator) Current(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID) (int64, error) {
	return bc.Reader.CachedBalance(ctx, tenantID, licenseTypeID)
}

// Recompute sums every entry, ignoring the cache.
func (bc BalanceCalculator) Recompute(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID) (int64, error) {
	return bc.Reader.SumEntries(ctx, tenantID, licenseTypeID, nil)
}

// At returns the balance as of at (entries created at or before at).
func (bc BalanceCalculator) At(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, at time.Time) (int64, error) {
	return bc.Reader.SumEntries(ctx, tenantID, licenseTypeID, &at)
}

// Reconcile compares the cached counter with a full recomputation.
func (bc BalanceCalculator) Reconcile(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID) (Reconciliation, error) {
	cached, err := bc.Current(ctx, tenantID, licenseTypeID)
	if err != nil {
		return Reconciliation{}, err
	}
	computed, err := bc.Recompute(ctx, tenantID, licenseTypeID)
	if err != nil {
		return Reconciliation{}, err
	}
	return Reconciliation{
		TenantID:      tenantID,
		LicenseTypeID: licenseTypeID,
		Cached:        cached,
		Computed:      computed,
	}, nil
}

// Reconciliation is the result of an audit comparison.
type Reconciliation struct {
	TenantID      TenantID
	LicenseTypeID LicenseTypeID
	Cached        int64
	Computed      int64
}

// Drift is cached minus computed; zero when in sync.
func (r Reconciliation) Drift() int64 { return r.Cached - r.Computed }
func (r Reconciliation) InSync() bool { return r.Drift() == 0 }

// =============================================================================
// PURE HELPERS
// =============================================================================

// SumEntries is the signed sum of amounts.
func SumEntries(entries []LedgerEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

// BalanceAt sums entries created at or before at. Order does not matter.
func BalanceAt(entries []LedgerEntry, at time.Time) int64 {
	var total int64
	for _, e := range entries {
		if e.CreatedAt.After(at) {
			continue
		}
		total += e.Amount
	}
	return total
}

// CheckConsume returns an InsufficientBalanceError when consuming amount
// from balance would cross the account floor.
func CheckConsume(account Account, licenseTypeID LicenseTypeID, balance, amount int64) error {
	floor := account.Floor()
	if amount <= headroom(balance, floor) {
		return nil
	}
	return &InsufficientBalanceError{
		TenantID:      account.TenantID,
		LicenseTypeID: licenseTypeID,
		Balance:       balance,
		Requested:     amount,
		Floor:         floor,
	}
}

// headroom is balance-floor clamped to the int64 range.
func headroom(balance, floor int64) int64 {
	if floor < 0 && balance > math.MaxInt64+floor {
		return math.MaxInt64
	}
	if floor > 0 && balance < math.MinInt64+floor {
		return math.MinInt64
	}
	return balance - floor
}

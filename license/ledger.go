/*
ledger.go - Append path for the license ledger

PURPOSE:
  The ledger is the source of truth for license balances. Every grant,
  consume, refund and adjustment becomes one immutable entry. The cached
  balance row is a projection of the entries and is adjusted by the same
  call, inside the same transaction, that inserts the entry.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete of entries
  2. SIGN BY TYPE: grant/refund > 0, consume < 0, adjustment != 0
  3. NO DRIFT: the cached balance only moves together with an insert
  4. BOUNDED: |amount| <= MaxAmount, |balance| <= MaxBalance

CORRECTIONS:
  A wrong grant of 10 is corrected by an adjustment of -10. Both stay in
  the ledger; the net effect is zero and the history explains it.
*/
package license

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// checkAmount rejects amounts whose magnitude exceeds MaxAmount.
func checkAmount(what string, amount int64) error {
	if amount > MaxAmount || amount < -MaxAmount {
		return fmt.Errorf("%w: %s amount %d exceeds the limit of %d", ErrInvalidAmount, what, amount, MaxAmount)
	}
	return nil
}

// validateEntry checks the sign rule for the entry's type.
func validateEntry(e LedgerEntry) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidAmount, e.Type)
	}
	if err := checkAmount(string(e.Type), e.Amount); err != nil {
		return err
	}
	switch e.Type {
	case TxGrant, TxRefund:
		if e.Amount <= 0 {
			return fmt.Errorf("%w: %s amount must be positive, got %d", ErrInvalidAmount, e.Type, e.Amount)
		}
	case TxConsume:
		if e.Amount >= 0 {
			return fmt.Errorf("%w: consume entry must be negative, got %d", ErrInvalidAmount, e.Amount)
		}
	case TxAdjustment:
		if e.Amount == 0 {
			return fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
		}
	}
	return nil
}

// appendEntry inserts e and moves the cached balance by e.Amount.
// Must be called with a Writer obtained from WithTx.
func appendEntry(ctx context.Context, w Writer, e LedgerEntry) (LedgerEntry, error) {
	if err := validateEntry(e); err != nil {
		return LedgerEntry{}, err
	}
	if e.ID == "" {
		e.ID = EntryID(uuid.NewString())
	}

	balance, err := w.CachedBalance(ctx, e.TenantID, e.LicenseTypeID)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("read cached balance: %w", err)
	}
	if next := balance + e.Amount; next > MaxBalance || next < -MaxBalance {
		return LedgerEntry{}, fmt.Errorf("%w: balance %d %+d leaves the range of %d", ErrBalanceOutOfRange, balance, e.Amount, MaxBalance)
	}

	inserted, err := w.InsertEntry(ctx, e)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	if err := w.AdjustBalance(ctx, e.TenantID, e.LicenseTypeID, e.Amount, e.CreatedAt); err != nil {
		return LedgerEntry{}, fmt.Errorf("adjust cached balance: %w", err)
	}
	return inserted, nil
}

/*
Package license implements the test-license ledger.

PURPOSE:
  Tracks how many test licenses a tenant owns and consumes per license type
  (product category x test type), and the retest windows a consume opens for
  a specific device.

KEY CONCEPTS IN THIS FILE (types.go):
  - LicenseType: billable unit with a unit price and an optional retest grace period
  - Account: tenant billing model (prepaid / postpaid with credit limit)
  - LedgerEntry: immutable signed delta, the source of truth for balances
  - RetestWindow: validity window derived from a consume entry

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified; corrections are new entries
  2. Integer counts: license amounts are int64, money uses decimal.Decimal
  3. Explicit tenancy: every operation takes the tenant id as a parameter

SEE ALSO:
  - ledger.go: append path (entry + cached balance in one tx)
  - balance.go: balance derivation
  - retest.go: retest window derivation
  - service.go: public operations
*/
package license

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type LicenseTypeID string
type EntryID string
type WindowID string

// =============================================================================
// LICENSE TYPE - Billable unit (product category x test type)
// =============================================================================

// LicenseType is immutable in its identity once entries reference it.
// It is soft-deactivated, never hard-deleted while history exists.
type LicenseType struct {
	ID              LicenseTypeID
	ProductCategory string // e.g. "iPhone"
	TestType        string // e.g. "Diagnostic"
	UnitPrice       decimal.Decimal
	Active          bool

	// RetestGracePeriod > 0 means a consume opens a retest window of that length.
	RetestGracePeriod time.Duration

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GrantsRetestWindow reports whether a consume of this type opens a window.
func (lt LicenseType) GrantsRetestWindow() bool {
	return lt.RetestGracePeriod > 0
}

// LicenseTypePatch is a partial update. Absent fields are left untouched.
type LicenseTypePatch struct {
	ProductCategory   Optional[string]
	TestType          Optional[string]
	UnitPrice         Optional[decimal.Decimal]
	Active            Optional[bool]
	RetestGracePeriod Optional[time.Duration]
}

// Apply returns lt with every present field of p written over it.
func (p LicenseTypePatch) Apply(lt LicenseType) LicenseType {
	lt.ProductCategory = p.ProductCategory.Or(lt.ProductCategory)
	lt.TestType = p.TestType.Or(lt.TestType)
	lt.UnitPrice = p.UnitPrice.Or(lt.UnitPrice)
	lt.Active = p.Active.Or(lt.Active)
	lt.RetestGracePeriod = p.RetestGracePeriod.Or(lt.RetestGracePeriod)
	return lt
}

// IsEmpty reports whether the patch changes nothing.
func (p LicenseTypePatch) IsEmpty() bool {
	return !p.ProductCategory.Present && !p.TestType.Present && !p.UnitPrice.Present &&
		!p.Active.Present && !p.RetestGracePeriod.Present
}

// =============================================================================
// ACCOUNT - Tenant billing model
// =============================================================================

type BillingModel string

const (
	BillingPrepaid  BillingModel = "prepaid"  // balance may not go below zero
	BillingPostpaid BillingModel = "postpaid" // balance may go negative down to -CreditLimit
)

// Account is the tenant record the ledger checks consumes against.
type Account struct {
	TenantID     TenantID
	Name         string
	BillingModel BillingModel
	CreditLimit  int64
	CreatedAt    time.Time
}

// Limits keep every balance far inside int64. A single entry carries at
// most MaxAmount licenses; cached balances and credit limits stay within
// MaxBalance.
const (
	MaxAmount  int64 = 1_000_000_000
	MaxBalance int64 = 1_000_000_000_000_000
)

// Floor is the lowest balance a consume may leave behind.
func (a Account) Floor() int64 {
	if a.BillingModel == BillingPostpaid && a.CreditLimit > 0 {
		return -a.CreditLimit
	}
	return 0
}

// =============================================================================
// LEDGER ENTRY - Immutable signed delta
// =============================================================================

type TransactionType string

const (
	TxGrant      TransactionType = "grant"      // licenses purchased / granted (+)
	TxConsume    TransactionType = "consume"    // license used for a device test (-)
	TxRefund     TransactionType = "refund"     // licenses returned (+)
	TxAdjustment TransactionType = "adjustment" // admin correction (+/-)
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxGrant, TxConsume, TxRefund, TxAdjustment:
		return true
	}
	return false
}

// LedgerEntry is never updated or deleted.
type LedgerEntry struct {
	ID            EntryID
	Seq           int64 // store-assigned, strictly increasing creation order
	TenantID      TenantID
	LicenseTypeID LicenseTypeID
	Amount        int64
	Type          TransactionType

	// DeviceIdentifier is empty for entries not tied to a device.
	DeviceIdentifier string
	Note             string
	CreatedAt        time.Time
}

// =============================================================================
// RETEST WINDOW - Derived from a consume entry
// =============================================================================

// RetestWindow lets a device be re-tested without a new consume until ValidUntil.
// Windows are never updated; a later consume creates a new one.
type RetestWindow struct {
	ID               WindowID
	Seq              int64
	TenantID         TenantID
	LicenseTypeID    LicenseTypeID
	DeviceIdentifier string
	EntryID          EntryID
	ActivatedAt      time.Time
	ValidUntil       time.Time
}

// ActiveAt reports whether the window covers t (valid_until >= t).
func (w RetestWindow) ActiveAt(t time.Time) bool {
	return !w.ValidUntil.Before(t)
}

// =============================================================================
// QUERIES
// =============================================================================

// HistoryFilter narrows a ledger history query. Nil fields match everything.
type HistoryFilter struct {
	LicenseTypeID    *LicenseTypeID
	Types            []TransactionType
	DeviceIdentifier *string
	From             *time.Time
	To               *time.Time
}

// Page is offset pagination. Limit <= 0 means DefaultPageSize.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// HistoryPage is one page of entries, newest first.
type HistoryPage struct {
	Entries []LedgerEntry
	Total   int
	Limit   int
	Offset  int
}

// HasMore reports whether entries exist past this page.
func (p HistoryPage) HasMore() bool {
	return p.Offset+len(p.Entries) < p.Total
}

// BalanceRow is the cached balance projection for one (tenant, license type).
type BalanceRow struct {
	TenantID      TenantID
	LicenseTypeID LicenseTypeID
	Balance       int64
	EntryCount    int64
	UpdatedAt     time.Time
}

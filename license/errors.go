/*
errors.go - Error taxonomy for the license ledger

ERROR CATEGORIES:
  1. Business-rule rejections: InsufficientBalance (consume only)
  2. Referential errors: InvalidLicenseType, TenantNotFound
  3. Input errors: InvalidAmount
  4. Infrastructure errors: wrapped with %w, never retried here

Callers branch with errors.Is on the sentinels, or errors.As on the
structured types for details.
*/
package license

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidLicenseType is returned when a license type is unknown or inactive.
	ErrInvalidLicenseType = errors.New("invalid license type")

	// ErrInsufficientBalance is returned when a consume would cross the account floor.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTenantNotFound is returned when the tenant has no licensing account.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrInvalidAmount is returned for non-positive grant/consume/refund amounts
	// or a zero adjustment.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrBalanceOutOfRange is returned when an entry would push the cached
	// balance past MaxBalance in either direction.
	ErrBalanceOutOfRange = errors.New("balance out of range")

	// ErrLicenseTypeInUse is returned when deleting a license type that has history.
	ErrLicenseTypeInUse = errors.New("license type has ledger history")

	// ErrLicenseTypeExists is returned when creating a license type whose id is taken.
	ErrLicenseTypeExists = errors.New("license type already exists")

	// ErrEmptyPatch is returned when an update carries no fields.
	ErrEmptyPatch = errors.New("update has no fields")

	// ErrInvalidAccount is returned for a malformed account record.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrDeviceRequired is returned when a device-scoped operation gets none.
	ErrDeviceRequired = errors.New("device identifier is required")

	// ErrLockNotObtained is returned when the serialization lock could not be taken.
	ErrLockNotObtained = errors.New("could not obtain ledger lock")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError carries the numbers behind a rejected consume.
type InsufficientBalanceError struct {
	TenantID      TenantID
	LicenseTypeID LicenseTypeID
	Balance       int64
	Requested     int64
	Floor         int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%s: balance %d, requested %d, floor %d",
		e.TenantID, e.LicenseTypeID, e.Balance, e.Requested, e.Floor)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how many licenses are missing for the request to pass.
func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Requested - headroom(e.Balance, e.Floor)
}

// InvalidLicenseTypeError says whether the type is unknown or inactive.
type InvalidLicenseTypeError struct {
	LicenseTypeID LicenseTypeID
	Reason        string // "unknown" or "inactive"
}

func (e *InvalidLicenseTypeError) Error() string {
	return fmt.Sprintf("invalid license type %s: %s", e.LicenseTypeID, e.Reason)
}

func (e *InvalidLicenseTypeError) Unwrap() error { return ErrInvalidLicenseType }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidLicenseType) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrBalanceOutOfRange) ||
		errors.Is(err, ErrLicenseTypeInUse) ||
		errors.Is(err, ErrLicenseTypeExists) ||
		errors.Is(err, ErrEmptyPatch) ||
		errors.Is(err, ErrInvalidAccount) ||
		errors.Is(err, ErrDeviceRequired)
}

// IsNotFound returns true if the error indicates a missing tenant.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound)
}

// IsRetryable returns true if the call may succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotObtained)
}

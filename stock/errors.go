package stock

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDeviceNotInSourceWarehouse is returned when a transfer names a device
	// the source warehouse does not hold under the given sku.
	ErrDeviceNotInSourceWarehouse = errors.New("device not in source warehouse")

	// ErrMappingMoveFailed marks a device remap that failed during transfer completion.
	ErrMappingMoveFailed = errors.New("device mapping move failed")

	// ErrReversalNotFound is returned when the purchase or transfer to reverse
	// does not exist for the tenant.
	ErrReversalNotFound = errors.New("reversal target not found")

	// ErrReversalConflict is returned when a transfer can no longer be undone
	// because a device has moved on.
	ErrReversalConflict = errors.New("reversal conflicts with current stock")

	// ErrTransferNotFound is returned by transfer lifecycle calls for unknown ids.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrInvalidTransition is returned for an illegal transfer status change.
	ErrInvalidTransition = errors.New("invalid transfer status transition")

	// ErrInvalidTransfer is returned for malformed transfer requests.
	ErrInvalidTransfer = errors.New("invalid transfer")

	// ErrInvalidReceipt is returned for malformed purchase receipts.
	ErrInvalidReceipt = errors.New("invalid receipt")

	// ErrDeviceAlreadyMapped is returned when a device would get a second mapping.
	ErrDeviceAlreadyMapped = errors.New("device already mapped to stock")

	// ErrDeviceNotMapped is returned when stocking out a device that is not in stock.
	ErrDeviceNotMapped = errors.New("device not mapped to stock")

	// ErrLockNotObtained is returned when a device lock could not be taken.
	ErrLockNotObtained = errors.New("could not obtain device lock")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// DeviceNotInSourceWarehouseError. Actual* are empty when the device has no mapping.
type DeviceNotInSourceWarehouseError struct {
	DeviceIdentifier string
	SKU              string
	SourceWarehouse  WarehouseID
	ActualSKU        string
	ActualWarehouse  WarehouseID
}

func (e *DeviceNotInSourceWarehouseError) Error() string {
	if e.ActualWarehouse == "" {
		return fmt.Sprintf("device %s is not in stock (expected %s at %s)", e.DeviceIdentifier, e.SKU, e.SourceWarehouse)
	}
	return fmt.Sprintf("device %s is mapped to %s at %s, expected %s at %s",
		e.DeviceIdentifier, e.ActualSKU, e.ActualWarehouse, e.SKU, e.SourceWarehouse)
}

func (e *DeviceNotInSourceWarehouseError) Unwrap() error { return ErrDeviceNotInSourceWarehouse }

// MappingMoveError wraps the cause of one failed device remap.
type MappingMoveError struct {
	TransferID       TransferID
	DeviceIdentifier string
	Err              error
}

func (e *MappingMoveError) Error() string {
	return fmt.Sprintf("transfer %s: move mapping for device %s: %v", e.TransferID, e.DeviceIdentifier, e.Err)
}

func (e *MappingMoveError) Unwrap() []error { return []error{ErrMappingMoveFailed, e.Err} }

// ReversalNotFoundError names the missing purchase or transfer.
type ReversalNotFoundError struct {
	Kind string // "purchase" or "transfer"
	ID   string
}

func (e *ReversalNotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *ReversalNotFoundError) Unwrap() error { return ErrReversalNotFound }

type InvalidTransitionError struct {
	TransferID TransferID
	From       TransferStatus
	To         TransferStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transfer %s: cannot go from %s to %s", e.TransferID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the request itself was malformed.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransfer) ||
		errors.Is(err, ErrInvalidReceipt) ||
		errors.Is(err, ErrDeviceNotInSourceWarehouse)
}

// IsNotFound returns true for unknown transfers and reversal targets.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransferNotFound) ||
		errors.Is(err, ErrReversalNotFound) ||
		errors.Is(err, ErrDeviceNotMapped)
}

// IsConflict returns true when current state forbids the operation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrReversalConflict) ||
		errors.Is(err, ErrDeviceAlreadyMapped)
}

// IsRetryable returns true if the call may succeed when repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotObtained)
}

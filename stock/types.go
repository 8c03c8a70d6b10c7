/*
Package stock tracks where physical devices and parts are, and moves them.

CORE MODEL:
  StockRow            (tenant, sku, warehouse) -> quantity. A cache.
  StockMovement       Signed delta on a stock row, tagged (ref_type, ref_id).
  DeviceStockMapping  device -> (sku, warehouse). At most one per device.
  Device.WarehouseID  Mirrors the device's current mapping.

INVARIANTS:
  - StockRow.Quantity == sum of its movements' deltas.
  - A device has zero or one mapping at any instant.
  - Device.WarehouseID equals the mapping's warehouse, or is empty when unmapped.

WRITERS:
  Intake          receive purchase, stock-in, stock-out
  TransferEngine  create / complete / cancel transfers
  ReversalEngine  reverse a transfer, delete a purchase

Every writer runs one transaction per logical operation. Device writes are
serialized per device with "device:{tenant}:{device}" locks.
*/
package stock

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type WarehouseID string
type TransferID string
type PurchaseID string
type MovementID string

// StockKey addresses one stock row.
type StockKey struct {
	TenantID    TenantID
	SKU         string
	WarehouseID WarehouseID
}

// =============================================================================
// STOCK ROWS AND MOVEMENTS
// =============================================================================

type StockRow struct {
	TenantID    TenantID
	SKU         string
	WarehouseID WarehouseID
	Quantity    int64
	UpdatedAt   time.Time
}

func (r StockRow) Key() StockKey {
	return StockKey{TenantID: r.TenantID, SKU: r.SKU, WarehouseID: r.WarehouseID}
}

// MaxQuantity bounds the quantity of one receipt line or transfer item.
const MaxQuantity int64 = 1_000_000

// RefType names the business event that caused a movement.
type RefType string

const (
	RefReceivedItems    RefType = "received_items"    // ref_id = purchase id
	RefTransfer         RefType = "transfer"          // ref_id = transfer id
	RefTransferReversal RefType = "transfer_reversal" // ref_id = transfer id
	RefStockIn          RefType = "stock_in"          // ref_id = caller reference
	RefStockOut         RefType = "stock_out"         // ref_id = caller reference
)

// StockMovement is immutable. Only purchase deletion removes movements,
// decrementing the row by the same delta.
type StockMovement struct {
	ID          MovementID
	Seq         int64
	TenantID    TenantID
	SKU         string
	WarehouseID WarehouseID
	Delta       int64
	RefType     RefType
	RefID       string

	// DeviceIdentifier is empty for part movements.
	DeviceIdentifier string
	CreatedAt        time.Time
}

func (m StockMovement) Key() StockKey {
	return StockKey{TenantID: m.TenantID, SKU: m.SKU, WarehouseID: m.WarehouseID}
}

// =============================================================================
// DEVICES
// =============================================================================

// DeviceStockMapping is the single current device -> stock row link.
type DeviceStockMapping struct {
	TenantID         TenantID
	DeviceIdentifier string
	SKU              string
	WarehouseID      WarehouseID
	CreatedAt        time.Time
}

// At reports whether the mapping points at (sku, warehouse).
func (m DeviceStockMapping) At(sku string, warehouseID WarehouseID) bool {
	return m.SKU == sku && m.WarehouseID == warehouseID
}

type Device struct {
	TenantID         TenantID
	DeviceIdentifier string

	// WarehouseID is empty when the device is not in stock.
	WarehouseID WarehouseID
	UpdatedAt   time.Time
}

type DeviceEventType string

const (
	EventReceived         DeviceEventType = "received"
	EventStockedIn        DeviceEventType = "stocked_in"
	EventTransferred      DeviceEventType = "transferred"
	EventTransferReversed DeviceEventType = "transfer_reversed"
	EventStockedOut       DeviceEventType = "stocked_out"
)

type DeviceEvent struct {
	ID               string
	TenantID         TenantID
	DeviceIdentifier string
	EventType        DeviceEventType
	WarehouseID      WarehouseID
	RefType          RefType
	RefID            string
	CreatedAt        time.Time
}

// =============================================================================
// PURCHASES
// =============================================================================

type Purchase struct {
	ID          PurchaseID
	TenantID    TenantID
	WarehouseID WarehouseID
	Reference   string
	CreatedAt   time.Time
}

type PurchaseItem struct {
	ID         string
	PurchaseID PurchaseID
	TenantID   TenantID
	SKU        string
	Quantity   int64
	UnitCost   decimal.Decimal
}

// ReceivedItem is one physical receipt: a device (Quantity 1) or a lot of parts.
type ReceivedItem struct {
	ID               string
	PurchaseID       PurchaseID
	PurchaseItemID   string
	TenantID         TenantID
	SKU              string
	WarehouseID      WarehouseID
	DeviceIdentifier string
	Quantity         int64
	CreatedAt        time.Time
}

// ReceiveLine is one line of a purchase being received. Devices, when
// given, are one unit each and Quantity is derived from them.
type ReceiveLine struct {
	SKU      string
	UnitCost decimal.Decimal
	Quantity int64
	Devices  []string
}

// =============================================================================
// TRANSFERS
// =============================================================================

type TransferStatus string

const (
	TransferCreated   TransferStatus = "created"
	TransferValidated TransferStatus = "validated"
	TransferCompleted TransferStatus = "completed"
	TransferCancelled TransferStatus = "cancelled"
	TransferReversed  TransferStatus = "reversed"
)

var transitions = map[TransferStatus][]TransferStatus{
	TransferCreated:   {TransferValidated, TransferCancelled},
	TransferValidated: {TransferCompleted, TransferCancelled},
	TransferCompleted: {TransferReversed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to TransferStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Transfer struct {
	ID              TransferID
	TenantID        TenantID
	SourceWarehouse WarehouseID
	DestWarehouse   WarehouseID
	Status          TransferStatus
	Items           []TransferItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// DeviceItems returns the lines that carry a device.
func (t Transfer) DeviceItems() []TransferItem {
	var out []TransferItem
	for _, it := range t.Items {
		if it.IsDevice() {
			out = append(out, it)
		}
	}
	return out
}

// DeviceIdentifiers returns the devices the transfer moves.
func (t Transfer) DeviceIdentifiers() []string {
	var out []string
	for _, it := range t.DeviceItems() {
		out = append(out, it.DeviceIdentifier)
	}
	return out
}

// TransferItem is a device line (DeviceIdentifier set, Quantity 1) or a
// part line tracked by quantity only.
type TransferItem struct {
	ID               string
	TransferID       TransferID
	SKU              string
	DeviceIdentifier string
	Quantity         int64
}

func (it TransferItem) IsDevice() bool { return it.DeviceIdentifier != "" }

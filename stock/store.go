/*
store.go - Persistence interface for stock, devices, purchases and transfers

KEY INTERFACES:
  Reader: read-only queries
  Writer: Reader plus the writes the engines perform inside a transaction
  Store:  Reader plus WithTx

STOCK ROW CONTRACT:
  AdjustStockRow is the only way a quantity changes. Engines call it in the
  same transaction as the movement insert or delete it mirrors.

MAPPING CONTRACT:
  InsertMapping must fail with ErrDeviceAlreadyMapped when the device
  already has a mapping (unique index on tenant_id, device_identifier).

IMPLEMENTATIONS:
  - store/sqlstore: sqlite3 / postgres via sqlx
*/
package stock

import (
	"context"
	"time"
)

type Reader interface {
	// GetStockRow returns a zero-quantity row when none exists.
	GetStockRow(ctx context.Context, key StockKey) (StockRow, error)
	ListStockRows(ctx context.Context, tenantID TenantID, warehouseID WarehouseID) ([]StockRow, error)

	// SumMovements recomputes a row's quantity from its movements.
	SumMovements(ctx context.Context, key StockKey) (int64, error)
	ListMovementsByRef(ctx context.Context, tenantID TenantID, refType RefType, refID string) ([]StockMovement, error)

	// GetMapping returns nil, nil when the device is unmapped.
	GetMapping(ctx context.Context, tenantID TenantID, deviceIdentifier string) (*DeviceStockMapping, error)
	CountMappings(ctx context.Context, tenantID TenantID, deviceIdentifier string) (int, error)

	// GetDevice returns nil, nil when the device was never seen.
	GetDevice(ctx context.Context, tenantID TenantID, deviceIdentifier string) (*Device, error)
	ListDeviceEvents(ctx context.Context, tenantID TenantID, deviceIdentifiers []string) ([]DeviceEvent, error)

	// GetPurchase returns nil, nil when unknown for the tenant.
	GetPurchase(ctx context.Context, tenantID TenantID, id PurchaseID) (*Purchase, error)
	ListPurchaseItems(ctx context.Context, purchaseID PurchaseID) ([]PurchaseItem, error)
	ListReceivedItems(ctx context.Context, purchaseID PurchaseID) ([]ReceivedItem, error)

	// GetTransfer returns nil, nil when unknown for the tenant. Items are loaded.
	GetTransfer(ctx context.Context, tenantID TenantID, id TransferID) (*Transfer, error)
	ListTransfers(ctx context.Context, tenantID TenantID, status TransferStatus) ([]Transfer, error)
}

type Writer interface {
	Reader

	InsertMovement(ctx context.Context, m StockMovement) (StockMovement, error)
	DeleteMovement(ctx context.Context, id MovementID) error
	AdjustStockRow(ctx context.Context, key StockKey, delta int64, at time.Time) error

	InsertMapping(ctx context.Context, m DeviceStockMapping) error
	DeleteMapping(ctx context.Context, tenantID TenantID, deviceIdentifier string) error

	// SaveDevice upserts the device record.
	SaveDevice(ctx context.Context, d Device) error
	InsertDeviceEvent(ctx context.Context, e DeviceEvent) error
	// DeleteDeviceEvents removes events by id.
	DeleteDeviceEvents(ctx context.Context, tenantID TenantID, ids []string) (int, error)

	InsertPurchase(ctx context.Context, p Purchase) error
	InsertPurchaseItem(ctx context.Context, it PurchaseItem) error
	InsertReceivedItem(ctx context.Context, it ReceivedItem) error
	DeleteReceivedItems(ctx context.Context, purchaseID PurchaseID) (int, error)
	DeletePurchaseItems(ctx context.Context, purchaseID PurchaseID) (int, error)
	DeletePurchase(ctx context.Context, id PurchaseID) error

	// InsertTransfer stores the transfer and its items.
	InsertTransfer(ctx context.Context, t Transfer) error
	UpdateTransferStatus(ctx context.Context, id TransferID, status TransferStatus, at time.Time) error
}

type Store interface {
	Reader

	// WithTx runs fn in one transaction; fn returning an error rolls back.
	WithTx(ctx context.Context, fn func(Writer) error) error
}

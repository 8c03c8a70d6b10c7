package stock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Intake puts stock into warehouses and takes it out.
type Intake struct {
	env
}

func NewIntake(store Store, opts Options) *Intake {
	return &Intake{env: newEnv(store, opts)}
}

// ReceivePurchase records a purchase and everything its receipt creates:
// purchase items, received items, +delta movements tagged
// ("received_items", purchase id), device mappings, device warehouses and
// "received" events. One transaction.
func (in *Intake) ReceivePurchase(ctx context.Context, tenantID TenantID, warehouseID WarehouseID, reference string, lines []ReceiveLine) (Purchase, error) {
	if warehouseID == "" {
		return Purchase{}, fmt.Errorf("%w: warehouse is required", ErrInvalidReceipt)
	}
	if len(lines) == 0 {
		return Purchase{}, fmt.Errorf("%w: no lines", ErrInvalidReceipt)
	}
	var devices []string
	for i, l := range lines {
		if l.SKU == "" {
			return Purchase{}, fmt.Errorf("%w: line %d has no sku", ErrInvalidReceipt, i)
		}
		if len(l.Devices) > 0 && l.Quantity != 0 && l.Quantity != int64(len(l.Devices)) {
			return Purchase{}, fmt.Errorf("%w: line %d quantity %d does not match %d devices", ErrInvalidReceipt, i, l.Quantity, len(l.Devices))
		}
		if len(l.Devices) == 0 && l.Quantity <= 0 {
			return Purchase{}, fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidReceipt, i)
		}
		if l.Quantity > MaxQuantity || int64(len(l.Devices)) > MaxQuantity {
			return Purchase{}, fmt.Errorf("%w: line %d exceeds the quantity limit of %d", ErrInvalidReceipt, i, MaxQuantity)
		}
		devices = append(devices, l.Devices...)
	}
	if len(uniqueSorted(devices)) != len(devices) {
		return Purchase{}, fmt.Errorf("%w: a device appears twice", ErrInvalidReceipt)
	}

	release, err := in.lockDevices(ctx, tenantID, devices)
	if err != nil {
		return Purchase{}, err
	}
	defer release()

	p := Purchase{
		ID:          PurchaseID(uuid.NewString()),
		TenantID:    tenantID,
		WarehouseID: warehouseID,
		Reference:   reference,
		CreatedAt:   in.now(),
	}
	var movements []StockMovement
	err = in.store.WithTx(ctx, func(w Writer) error {
		movements = nil
		if err := w.InsertPurchase(ctx, p); err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}
		for _, l := range lines {
			qty := l.Quantity
			if len(l.Devices) > 0 {
				qty = int64(len(l.Devices))
			}
			item := PurchaseItem{ID: uuid.NewString(), PurchaseID: p.ID, TenantID: tenantID, SKU: l.SKU, Quantity: qty, UnitCost: l.UnitCost}
			if err := w.InsertPurchaseItem(ctx, item); err != nil {
				return fmt.Errorf("insert purchase item: %w", err)
			}

			if len(l.Devices) == 0 {
				m, err := in.receive(ctx, w, p, item, "", qty)
				if err != nil {
					return err
				}
				movements = append(movements, m)
				continue
			}
			for _, device := range l.Devices {
				m, err := in.receive(ctx, w, p, item, device, 1)
				if err != nil {
					return err
				}
				movements = append(movements, m)
				if err := in.placeDevice(ctx, w, tenantID, device, l.SKU, warehouseID, EventReceived, RefReceivedItems, string(p.ID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}

	in.recordMovements(movements)
	in.logger.WithFields(logrus.Fields{
		"module":      "stock",
		"tenant_id":   tenantID,
		"purchase_id": p.ID,
		"devices":     len(devices),
	}).Info("purchase received")
	return p, nil
}

func (in *Intake) receive(ctx context.Context, w Writer, p Purchase, item PurchaseItem, device string, qty int64) (StockMovement, error) {
	if err := w.InsertReceivedItem(ctx, ReceivedItem{
		ID:               uuid.NewString(),
		PurchaseID:       p.ID,
		PurchaseItemID:   item.ID,
		TenantID:         p.TenantID,
		SKU:              item.SKU,
		WarehouseID:      p.WarehouseID,
		DeviceIdentifier: device,
		Quantity:         qty,
		CreatedAt:        p.CreatedAt,
	}); err != nil {
		return StockMovement{}, fmt.Errorf("insert received item: %w", err)
	}
	return in.applyMovement(ctx, w, StockMovement{
		TenantID:         p.TenantID,
		SKU:              item.SKU,
		WarehouseID:      p.WarehouseID,
		Delta:            qty,
		RefType:          RefReceivedItems,
		RefID:            string(p.ID),
		DeviceIdentifier: device,
	})
}

// StockIn creates the first mapping for a freshly graded device and adds
// one unit to (sku, warehouse).
func (in *Intake) StockIn(ctx context.Context, tenantID TenantID, device, sku string, warehouseID WarehouseID, ref string) (DeviceStockMapping, error) {
	if device == "" || sku == "" || warehouseID == "" {
		return DeviceStockMapping{}, fmt.Errorf("%w: device, sku and warehouse are required", ErrInvalidReceipt)
	}
	release, err := in.lockDevices(ctx, tenantID, []string{device})
	if err != nil {
		return DeviceStockMapping{}, err
	}
	defer release()

	var m StockMovement
	err = in.store.WithTx(ctx, func(w Writer) error {
		if err := in.placeDevice(ctx, w, tenantID, device, sku, warehouseID, EventStockedIn, RefStockIn, ref); err != nil {
			return err
		}
		var err error
		m, err = in.applyMovement(ctx, w, StockMovement{
			TenantID: tenantID, SKU: sku, WarehouseID: warehouseID, Delta: 1,
			RefType: RefStockIn, RefID: ref, DeviceIdentifier: device,
		})
		return err
	})
	if err != nil {
		return DeviceStockMapping{}, err
	}
	in.recordMovements([]StockMovement{m})
	return DeviceStockMapping{TenantID: tenantID, DeviceIdentifier: device, SKU: sku, WarehouseID: warehouseID, CreatedAt: m.CreatedAt}, nil
}

// StockOut removes a sold or scrapped device: its mapping goes, its row
// loses one unit, and the device has no warehouse afterwards.
func (in *Intake) StockOut(ctx context.Context, tenantID TenantID, device string, ref string) (StockMovement, error) {
	release, err := in.lockDevices(ctx, tenantID, []string{device})
	if err != nil {
		return StockMovement{}, err
	}
	defer release()

	var m StockMovement
	err = in.store.WithTx(ctx, func(w Writer) error {
		mapping, err := w.GetMapping(ctx, tenantID, device)
		if err != nil {
			return err
		}
		if mapping == nil {
			return fmt.Errorf("%w: %s", ErrDeviceNotMapped, device)
		}
		m, err = in.applyMovement(ctx, w, StockMovement{
			TenantID: tenantID, SKU: mapping.SKU, WarehouseID: mapping.WarehouseID, Delta: -1,
			RefType: RefStockOut, RefID: ref, DeviceIdentifier: device,
		})
		if err != nil {
			return err
		}
		if err := in.releaseDevice(ctx, w, tenantID, device); err != nil {
			return err
		}
		return in.deviceEvent(ctx, w, tenantID, device, EventStockedOut, mapping.WarehouseID, RefStockOut, ref)
	})
	if err != nil {
		return StockMovement{}, err
	}
	in.recordMovements([]StockMovement{m})
	return m, nil
}

// Mapping returns the device's current mapping, or nil.
func (in *Intake) Mapping(ctx context.Context, tenantID TenantID, device string) (*DeviceStockMapping, error) {
	return in.store.GetMapping(ctx, tenantID, device)
}

// StockRows lists the tenant's rows, optionally for one warehouse.
func (in *Intake) StockRows(ctx context.Context, tenantID TenantID, warehouseID WarehouseID) ([]StockRow, error) {
	return in.store.ListStockRows(ctx, tenantID, warehouseID)
}

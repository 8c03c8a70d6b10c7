package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/refurb-engine/lock"
	"github.com/warp/refurb-engine/metrics"
)

// Options carries the collaborators every stock engine shares. Zero values
// get defaults.
type Options struct {
	Locker  lock.Locker
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Clock   func() time.Time

	// StrictTransfers completes a transfer in one transaction, mapping moves
	// included. Otherwise failed remaps are logged and reported.
	StrictTransfers bool
}

type env struct {
	store   Store
	locker  lock.Locker
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	clock   func() time.Time
}

func newEnv(store Store, opts Options) env {
	e := env{store: store, locker: opts.Locker, logger: opts.Logger, metrics: opts.Metrics, clock: opts.Clock}
	if e.locker == nil {
		e.locker = lock.NewKeyedMutex()
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

func (e env) now() time.Time { return e.clock().UTC() }

func deviceLockKey(tenantID TenantID, deviceIdentifier string) string {
	return fmt.Sprintf("device:%s:%s", tenantID, deviceIdentifier)
}

// lockDevices takes every device lock in sorted order.
func (e env) lockDevices(ctx context.Context, tenantID TenantID, devices []string) (func(), error) {
	keys := make([]string, 0, len(devices))
	for _, d := range devices {
		if d != "" {
			keys = append(keys, deviceLockKey(tenantID, d))
		}
	}
	release, err := lock.AcquireAll(ctx, e.locker, keys...)
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %v", ErrLockNotObtained, err)
		}
		return nil, err
	}
	return release, nil
}

// =============================================================================
// MOVEMENT LEDGER
// =============================================================================

// applyMovement appends m and moves its stock row by m.Delta.
func (e env) applyMovement(ctx context.Context, w Writer, m StockMovement) (StockMovement, error) {
	if m.Delta == 0 {
		return StockMovement{}, fmt.Errorf("movement for %s at %s has zero delta", m.SKU, m.WarehouseID)
	}
	if m.ID == "" {
		m.ID = MovementID(uuid.NewString())
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = e.now()
	}
	inserted, err := w.InsertMovement(ctx, m)
	if err != nil {
		return StockMovement{}, fmt.Errorf("insert movement: %w", err)
	}
	if err := w.AdjustStockRow(ctx, m.Key(), m.Delta, m.CreatedAt); err != nil {
		return StockMovement{}, fmt.Errorf("adjust stock row: %w", err)
	}
	return inserted, nil
}

// undoMovement deletes m and takes its delta back off the stock row.
func (e env) undoMovement(ctx context.Context, w Writer, m StockMovement) error {
	if err := w.AdjustStockRow(ctx, m.Key(), -m.Delta, e.now()); err != nil {
		return fmt.Errorf("adjust stock row: %w", err)
	}
	if err := w.DeleteMovement(ctx, m.ID); err != nil {
		return fmt.Errorf("delete movement %s: %w", m.ID, err)
	}
	return nil
}

func (e env) recordMovements(ms []StockMovement) {
	for _, m := range ms {
		e.metrics.RecordStockMovement(string(m.RefType))
	}
}

// =============================================================================
// DEVICE MAPPING
// =============================================================================

// placeDevice creates the first mapping for a device and points the device
// record at the warehouse.
func (e env) placeDevice(ctx context.Context, w Writer, tenantID TenantID, device, sku string, warehouseID WarehouseID, event DeviceEventType, refType RefType, refID string) error {
	existing, err := w.GetMapping(ctx, tenantID, device)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s is at %s/%s", ErrDeviceAlreadyMapped, device, existing.SKU, existing.WarehouseID)
	}
	now := e.now()
	if err := w.InsertMapping(ctx, DeviceStockMapping{
		TenantID: tenantID, DeviceIdentifier: device, SKU: sku, WarehouseID: warehouseID, CreatedAt: now,
	}); err != nil {
		return err
	}
	if err := w.SaveDevice(ctx, Device{TenantID: tenantID, DeviceIdentifier: device, WarehouseID: warehouseID, UpdatedAt: now}); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return e.deviceEvent(ctx, w, tenantID, device, event, warehouseID, refType, refID)
}

// moveDeviceStockMapping deletes the mapping at (sku, from), inserts it at
// (sku, to) and updates the device's warehouse. The caller's transaction
// makes the three writes one unit.
func (e env) moveDeviceStockMapping(ctx context.Context, w Writer, tenantID TenantID, device, sku string, from, to WarehouseID, event DeviceEventType, refType RefType, refID string) error {
	current, err := w.GetMapping(ctx, tenantID, device)
	if err != nil {
		return err
	}
	if current == nil || !current.At(sku, from) {
		return &DeviceNotInSourceWarehouseError{
			DeviceIdentifier: device, SKU: sku, SourceWarehouse: from,
			ActualSKU: mappingSKU(current), ActualWarehouse: mappingWarehouse(current),
		}
	}
	if err := w.DeleteMapping(ctx, tenantID, device); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	now := e.now()
	if err := w.InsertMapping(ctx, DeviceStockMapping{
		TenantID: tenantID, DeviceIdentifier: device, SKU: sku, WarehouseID: to, CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	if err := w.SaveDevice(ctx, Device{TenantID: tenantID, DeviceIdentifier: device, WarehouseID: to, UpdatedAt: now}); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return e.deviceEvent(ctx, w, tenantID, device, event, to, refType, refID)
}

// releaseDevice removes the mapping and clears the device's warehouse.
func (e env) releaseDevice(ctx context.Context, w Writer, tenantID TenantID, device string) error {
	if err := w.DeleteMapping(ctx, tenantID, device); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return w.SaveDevice(ctx, Device{TenantID: tenantID, DeviceIdentifier: device, UpdatedAt: e.now()})
}

func (e env) deviceEvent(ctx context.Context, w Writer, tenantID TenantID, device string, event DeviceEventType, warehouseID WarehouseID, refType RefType, refID string) error {
	err := w.InsertDeviceEvent(ctx, DeviceEvent{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		DeviceIdentifier: device,
		EventType:        event,
		WarehouseID:      warehouseID,
		RefType:          refType,
		RefID:            refID,
		CreatedAt:        e.now(),
	})
	if err != nil {
		return fmt.Errorf("insert device event: %w", err)
	}
	return nil
}

func mappingSKU(m *DeviceStockMapping) string {
	if m == nil {
		return ""
	}
	return m.SKU
}

func mappingWarehouse(m *DeviceStockMapping) WarehouseID {
	if m == nil {
		return ""
	}
	return m.WarehouseID
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

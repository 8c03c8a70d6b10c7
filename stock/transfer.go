/*
transfer.go - Transfer Engine

STATE MACHINE:
  created -> validated -> completed -> reversed
  created | validated -> cancelled

  CreateTransfer validates and stores in one transaction, so a stored
  transfer is always at least validated. A failed validation stores nothing.

COMPLETION:
  Each line writes two movements tagged ("transfer", transfer id): -qty at
  the source row and +qty at the destination row. Device lines then move
  the device's mapping and warehouse.

  Tolerant mode (default): movements and the status change commit first;
  each device remap then runs in its own transaction. A failed remap is
  logged at error level, counted, and returned in MappingFailures. Stock
  quantities and device location can disagree until someone fixes it.

  Strict mode: everything commits in one transaction or nothing does.
*/
package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/refurb-engine/config"
)

type TransferEngine struct {
	env
	strict bool
}

func NewTransferEngine(store Store, opts Options) *TransferEngine {
	return &TransferEngine{env: newEnv(store, opts), strict: opts.StrictTransfers}
}

// CompletionResult is what CompleteTransfer did.
type CompletionResult struct {
	Transfer  Transfer
	Movements []StockMovement

	// MappingFailures is only populated in tolerant mode.
	MappingFailures []*MappingMoveError
}

// =============================================================================
// CREATE
// =============================================================================

// CreateTransfer checks that every device line's device is mapped to
// (item.SKU, source) and stores the transfer as validated. Part lines are
// tracked by quantity only and skip the check.
func (te *TransferEngine) CreateTransfer(ctx context.Context, tenantID TenantID, source, dest WarehouseID, items []TransferItem) (Transfer, error) {
	items, err := normalizeItems(source, dest, items)
	if err != nil {
		return Transfer{}, err
	}

	now := te.now()
	t := Transfer{
		ID:              TransferID(uuid.NewString()),
		TenantID:        tenantID,
		SourceWarehouse: source,
		DestWarehouse:   dest,
		Status:          TransferValidated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i := range items {
		items[i].ID = uuid.NewString()
		items[i].TransferID = t.ID
	}
	t.Items = items

	release, err := te.lockDevices(ctx, tenantID, t.DeviceIdentifiers())
	if err != nil {
		return Transfer{}, err
	}
	defer release()

	err = te.store.WithTx(ctx, func(w Writer) error {
		for _, it := range t.DeviceItems() {
			mapping, err := w.GetMapping(ctx, tenantID, it.DeviceIdentifier)
			if err != nil {
				return err
			}
			if mapping == nil || !mapping.At(it.SKU, source) {
				return &DeviceNotInSourceWarehouseError{
					DeviceIdentifier: it.DeviceIdentifier,
					SKU:              it.SKU,
					SourceWarehouse:  source,
					ActualSKU:        mappingSKU(mapping),
					ActualWarehouse:  mappingWarehouse(mapping),
				}
			}
		}
		return w.InsertTransfer(ctx, t)
	})
	if err != nil {
		if errors.Is(err, ErrDeviceNotInSourceWarehouse) {
			te.metrics.RecordTransfer("rejected")
		}
		return Transfer{}, err
	}

	te.metrics.RecordTransfer("validated")
	return t, nil
}

func normalizeItems(source, dest WarehouseID, items []TransferItem) ([]TransferItem, error) {
	if source == "" || dest == "" {
		return nil, fmt.Errorf("%w: source and destination are required", ErrInvalidTransfer)
	}
	if source == dest {
		return nil, fmt.Errorf("%w: source and destination are both %s", ErrInvalidTransfer, source)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidTransfer)
	}

	out := make([]TransferItem, len(items))
	seen := make(map[string]bool)
	for i, it := range items {
		if it.SKU == "" {
			return nil, fmt.Errorf("%w: item %d has no sku", ErrInvalidTransfer, i)
		}
		if it.IsDevice() {
			if it.Quantity == 0 {
				it.Quantity = 1
			}
			if it.Quantity != 1 {
				return nil, fmt.Errorf("%w: device %s must have quantity 1", ErrInvalidTransfer, it.DeviceIdentifier)
			}
			if seen[it.DeviceIdentifier] {
				return nil, fmt.Errorf("%w: device %s listed twice", ErrInvalidTransfer, it.DeviceIdentifier)
			}
			seen[it.DeviceIdentifier] = true
		} else if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidTransfer, i)
		} else if it.Quantity > MaxQuantity {
			return nil, fmt.Errorf("%w: item %d quantity %d exceeds %d", ErrInvalidTransfer, i, it.Quantity, MaxQuantity)
		}
		out[i] = it
	}
	return out, nil
}

// =============================================================================
// COMPLETE
// =============================================================================

// CompleteTransfer moves stock from source to destination.
func (te *TransferEngine) CompleteTransfer(ctx context.Context, tenantID TenantID, id TransferID) (CompletionResult, error) {
	t, err := te.load(ctx, te.store, tenantID, id)
	if err != nil {
		return CompletionResult{}, err
	}

	release, err := te.lockDevices(ctx, tenantID, t.DeviceIdentifiers())
	if err != nil {
		return CompletionResult{}, err
	}
	defer release()

	var result CompletionResult
	if te.strict {
		result, err = te.completeStrict(ctx, tenantID, id)
	} else {
		result, err = te.completeTolerant(ctx, tenantID, id)
	}
	if err != nil {
		te.metrics.RecordTransfer("failed")
		return CompletionResult{}, err
	}

	te.recordMovements(result.Movements)
	if len(result.MappingFailures) > 0 {
		te.metrics.RecordTransfer("completed_with_mapping_failures")
	} else {
		te.metrics.RecordTransfer("completed")
	}
	return result, nil
}

func (te *TransferEngine) completeStrict(ctx context.Context, tenantID TenantID, id TransferID) (CompletionResult, error) {
	var result CompletionResult
	err := te.store.WithTx(ctx, func(w Writer) error {
		t, movements, err := te.writeMovements(ctx, w, tenantID, id)
		if err != nil {
			return err
		}
		for _, it := range t.DeviceItems() {
			if err := te.moveDeviceStockMapping(ctx, w, tenantID, it.DeviceIdentifier, it.SKU,
				t.SourceWarehouse, t.DestWarehouse, EventTransferred, RefTransfer, string(t.ID)); err != nil {
				return &MappingMoveError{TransferID: t.ID, DeviceIdentifier: it.DeviceIdentifier, Err: err}
			}
		}
		result = CompletionResult{Transfer: t, Movements: movements}
		return nil
	})
	return result, err
}

func (te *TransferEngine) completeTolerant(ctx context.Context, tenantID TenantID, id TransferID) (CompletionResult, error) {
	var result CompletionResult
	err := te.store.WithTx(ctx, func(w Writer) error {
		t, movements, err := te.writeMovements(ctx, w, tenantID, id)
		if err != nil {
			return err
		}
		result = CompletionResult{Transfer: t, Movements: movements}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}

	t := result.Transfer
	for _, it := range t.DeviceItems() {
		err := te.store.WithTx(ctx, func(w Writer) error {
			return te.moveDeviceStockMapping(ctx, w, tenantID, it.DeviceIdentifier, it.SKU,
				t.SourceWarehouse, t.DestWarehouse, EventTransferred, RefTransfer, string(t.ID))
		})
		if err == nil {
			continue
		}
		failure := &MappingMoveError{TransferID: t.ID, DeviceIdentifier: it.DeviceIdentifier, Err: err}
		result.MappingFailures = append(result.MappingFailures, failure)
		te.metrics.RecordMappingMoveFailure()
		config.LogError(te.logger, "stock", "CompleteTransfer", "device mapping move failed after stock movements committed",
			logrus.Fields{
				"tenant_id":   tenantID,
				"transfer_id": t.ID,
				"device":      it.DeviceIdentifier,
				"sku":         it.SKU,
				"from":        t.SourceWarehouse,
				"to":          t.DestWarehouse,
			}, failure)
	}
	return result, nil
}

// writeMovements reloads the transfer inside w, checks the transition,
// writes the paired movements and marks the transfer completed.
func (te *TransferEngine) writeMovements(ctx context.Context, w Writer, tenantID TenantID, id TransferID) (Transfer, []StockMovement, error) {
	t, err := te.load(ctx, w, tenantID, id)
	if err != nil {
		return Transfer{}, nil, err
	}
	if !CanTransition(t.Status, TransferCompleted) {
		return Transfer{}, nil, &InvalidTransitionError{TransferID: t.ID, From: t.Status, To: TransferCompleted}
	}

	movements := make([]StockMovement, 0, 2*len(t.Items))
	for _, it := range t.Items {
		for _, leg := range []struct {
			warehouse WarehouseID
			delta     int64
		}{
			{t.SourceWarehouse, -it.Quantity},
			{t.DestWarehouse, it.Quantity},
		} {
			m, err := te.applyMovement(ctx, w, StockMovement{
				TenantID:         tenantID,
				SKU:              it.SKU,
				WarehouseID:      leg.warehouse,
				Delta:            leg.delta,
				RefType:          RefTransfer,
				RefID:            string(t.ID),
				DeviceIdentifier: it.DeviceIdentifier,
			})
			if err != nil {
				return Transfer{}, nil, err
			}
			movements = append(movements, m)
		}
	}

	now := te.now()
	if err := w.UpdateTransferStatus(ctx, t.ID, TransferCompleted, now); err != nil {
		return Transfer{}, nil, fmt.Errorf("update transfer status: %w", err)
	}
	t.Status = TransferCompleted
	t.UpdatedAt = now
	t.CompletedAt = &now
	return t, movements, nil
}

// =============================================================================
// CANCEL / READ
// =============================================================================

// CancelTransfer is only legal before completion and writes nothing but
// the status.
func (te *TransferEngine) CancelTransfer(ctx context.Context, tenantID TenantID, id TransferID) (Transfer, error) {
	var t Transfer
	err := te.store.WithTx(ctx, func(w Writer) error {
		var err error
		t, err = te.load(ctx, w, tenantID, id)
		if err != nil {
			return err
		}
		if !CanTransition(t.Status, TransferCancelled) {
			return &InvalidTransitionError{TransferID: t.ID, From: t.Status, To: TransferCancelled}
		}
		now := te.now()
		if err := w.UpdateTransferStatus(ctx, t.ID, TransferCancelled, now); err != nil {
			return err
		}
		t.Status, t.UpdatedAt = TransferCancelled, now
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	te.metrics.RecordTransfer("cancelled")
	return t, nil
}

func (te *TransferEngine) GetTransfer(ctx context.Context, tenantID TenantID, id TransferID) (Transfer, error) {
	return te.load(ctx, te.store, tenantID, id)
}

// ListTransfers lists the tenant's transfers; an empty status lists all.
func (te *TransferEngine) ListTransfers(ctx context.Context, tenantID TenantID, status TransferStatus) ([]Transfer, error) {
	return te.store.ListTransfers(ctx, tenantID, status)
}

func (te *TransferEngine) load(ctx context.Context, r Reader, tenantID TenantID, id TransferID) (Transfer, error) {
	t, err := r.GetTransfer(ctx, tenantID, id)
	if err != nil {
		return Transfer{}, err
	}
	if t == nil {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
	}
	return *t, nil
}

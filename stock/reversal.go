/*
reversal.go - Reversal Engine

PURCHASE DELETION:
  A purchase owns every row its receipt created. DeletePurchase finds them
  with one planning function used by both dry and real runs, so the dry-run
  counts are the counts a real run would delete. The real run then removes,
  children before parents, in one transaction:

    1. device events of the stays the receipt started
    2. movements ("received_items", purchase id); each one's delta is taken
       back off its stock row before the row is deleted
    3. mappings the receipt created that still point at the received
       (sku, warehouse), with the device's warehouse cleared
    4. received items
    5. purchase items
    6. the purchase

  A device's history splits into stays, each starting at a placement event
  (received or stocked_in). The purchase owns the stays its own "received"
  event started. A device sold and received again by a later purchase is
  in a stay the later purchase owns, so deleting the older purchase leaves
  the newer mapping and its events alone.

  DeletePurchases runs one transaction per id and never lets one failure
  stop the rest.

TRANSFER REVERSAL:
  completed -> reversed. Appends compensating movements tagged
  ("transfer_reversal", transfer id) and moves every device back to the
  source. Atomic. Fails with ErrReversalConflict when a device is no
  longer at the destination.
*/
package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/refurb-engine/config"
)

type ReversalEngine struct {
	env
}

func NewReversalEngine(store Store, opts Options) *ReversalEngine {
	return &ReversalEngine{env: newEnv(store, opts)}
}

// PurchaseDeletionStats counts what a purchase deletion removes.
type PurchaseDeletionStats struct {
	PurchaseID    PurchaseID
	ReceivedItems int
	PurchaseItems int
	Movements     int
	Events        int
	Mappings      int
	DryRun        bool
}

type purchaseDeletionPlan struct {
	purchase      Purchase
	receivedItems []ReceivedItem
	purchaseItems []PurchaseItem
	movements     []StockMovement
	devices       []string
	eventIDs      []string

	// mapped are received devices whose current stay the purchase started
	// and whose mapping still points where the purchase put them.
	mapped []string
}

func (p purchaseDeletionPlan) stats(dryRun bool) PurchaseDeletionStats {
	return PurchaseDeletionStats{
		PurchaseID:    p.purchase.ID,
		ReceivedItems: len(p.receivedItems),
		PurchaseItems: len(p.purchaseItems),
		Movements:     len(p.movements),
		Events:        len(p.eventIDs),
		Mappings:      len(p.mapped),
		DryRun:        dryRun,
	}
}

func (re *ReversalEngine) planPurchaseDeletion(ctx context.Context, r Reader, tenantID TenantID, id PurchaseID) (purchaseDeletionPlan, error) {
	purchase, err := r.GetPurchase(ctx, tenantID, id)
	if err != nil {
		return purchaseDeletionPlan{}, err
	}
	if purchase == nil {
		return purchaseDeletionPlan{}, &ReversalNotFoundError{Kind: "purchase", ID: string(id)}
	}

	plan := purchaseDeletionPlan{purchase: *purchase}
	if plan.receivedItems, err = r.ListReceivedItems(ctx, id); err != nil {
		return purchaseDeletionPlan{}, err
	}
	if plan.purchaseItems, err = r.ListPurchaseItems(ctx, id); err != nil {
		return purchaseDeletionPlan{}, err
	}
	if plan.movements, err = r.ListMovementsByRef(ctx, tenantID, RefReceivedItems, string(id)); err != nil {
		return purchaseDeletionPlan{}, err
	}

	var devices []string
	for _, it := range plan.receivedItems {
		if it.DeviceIdentifier != "" {
			devices = append(devices, it.DeviceIdentifier)
		}
	}
	plan.devices = uniqueSorted(devices)
	if len(plan.devices) == 0 {
		return plan, nil
	}

	events, err := r.ListDeviceEvents(ctx, tenantID, plan.devices)
	if err != nil {
		return purchaseDeletionPlan{}, err
	}
	byDevice := make(map[string][]DeviceEvent, len(plan.devices))
	for _, e := range events {
		byDevice[e.DeviceIdentifier] = append(byDevice[e.DeviceIdentifier], e)
	}

	for _, it := range plan.receivedItems {
		if it.DeviceIdentifier == "" {
			continue
		}
		owned, current := ownedStays(byDevice[it.DeviceIdentifier], id)
		for _, e := range owned {
			plan.eventIDs = append(plan.eventIDs, e.ID)
		}
		if !current {
			continue
		}
		mapping, err := r.GetMapping(ctx, tenantID, it.DeviceIdentifier)
		if err != nil {
			return purchaseDeletionPlan{}, err
		}
		if mapping != nil && mapping.At(it.SKU, it.WarehouseID) {
			plan.mapped = append(plan.mapped, it.DeviceIdentifier)
		}
	}
	return plan, nil
}

// ownedStays returns the events of one device's stays started by the
// purchase's receipt, and whether the device's latest stay is one of them.
// events must be in insertion order.
func ownedStays(events []DeviceEvent, id PurchaseID) (owned []DeviceEvent, current bool) {
	for _, e := range events {
		if e.EventType == EventReceived || e.EventType == EventStockedIn {
			current = e.EventType == EventReceived && e.RefType == RefReceivedItems && e.RefID == string(id)
		}
		if current {
			owned = append(owned, e)
		}
	}
	return owned, current
}

// receivedDevices lists the purchase's devices so they can be locked
// before planning.
func (re *ReversalEngine) receivedDevices(ctx context.Context, id PurchaseID) ([]string, error) {
	items, err := re.store.ListReceivedItems(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, it := range items {
		out = append(out, it.DeviceIdentifier)
	}
	return uniqueSorted(out), nil
}

// DeletePurchase removes a purchase and everything it created. With
// dryRun nothing is written and the stats are what would be removed.
func (re *ReversalEngine) DeletePurchase(ctx context.Context, tenantID TenantID, id PurchaseID, dryRun bool) (PurchaseDeletionStats, error) {
	if dryRun {
		plan, err := re.planPurchaseDeletion(ctx, re.store, tenantID, id)
		if err != nil {
			return PurchaseDeletionStats{}, err
		}
		return plan.stats(true), nil
	}

	devices, err := re.receivedDevices(ctx, id)
	if err != nil {
		return PurchaseDeletionStats{}, err
	}
	release, err := re.lockDevices(ctx, tenantID, devices)
	if err != nil {
		return PurchaseDeletionStats{}, err
	}
	defer release()

	var stats PurchaseDeletionStats
	err = re.store.WithTx(ctx, func(w Writer) error {
		plan, err := re.planPurchaseDeletion(ctx, w, tenantID, id)
		if err != nil {
			return err
		}
		if err := re.executePurchaseDeletion(ctx, w, plan); err != nil {
			return err
		}
		stats = plan.stats(false)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrReversalNotFound) {
			config.LogError(re.logger, "stock", "DeletePurchase", "purchase deletion rolled back",
				logrus.Fields{"tenant_id": tenantID, "purchase_id": id}, err)
		}
		return PurchaseDeletionStats{}, err
	}

	re.logger.WithFields(logrus.Fields{
		"module":         "stock",
		"tenant_id":      tenantID,
		"purchase_id":    id,
		"received_items": stats.ReceivedItems,
		"purchase_items": stats.PurchaseItems,
		"movements":      stats.Movements,
		"events":         stats.Events,
		"mappings":       stats.Mappings,
	}).Info("purchase deleted")
	return stats, nil
}

func (re *ReversalEngine) executePurchaseDeletion(ctx context.Context, w Writer, plan purchaseDeletionPlan) error {
	tenantID := plan.purchase.TenantID

	if len(plan.eventIDs) > 0 {
		if _, err := w.DeleteDeviceEvents(ctx, tenantID, plan.eventIDs); err != nil {
			return fmt.Errorf("delete device events: %w", err)
		}
	}
	for _, m := range plan.movements {
		if err := re.undoMovement(ctx, w, m); err != nil {
			return err
		}
	}
	for _, device := range plan.mapped {
		if err := re.releaseDevice(ctx, w, tenantID, device); err != nil {
			return err
		}
	}
	if _, err := w.DeleteReceivedItems(ctx, plan.purchase.ID); err != nil {
		return fmt.Errorf("delete received items: %w", err)
	}
	if _, err := w.DeletePurchaseItems(ctx, plan.purchase.ID); err != nil {
		return fmt.Errorf("delete purchase items: %w", err)
	}
	if err := w.DeletePurchase(ctx, plan.purchase.ID); err != nil {
		return fmt.Errorf("delete purchase: %w", err)
	}
	return nil
}

// =============================================================================
// BATCH
// =============================================================================

type BatchOutcome string

const (
	OutcomeAllSucceeded BatchOutcome = "all_succeeded"
	OutcomePartial      BatchOutcome = "partial"
	OutcomeAllFailed    BatchOutcome = "all_failed"
)

type PurchaseDeletionResult struct {
	PurchaseID PurchaseID
	Stats      PurchaseDeletionStats
	Err        error
}

type BatchDeletionResult struct {
	Items     []PurchaseDeletionResult
	Succeeded int
	Failed    int
	Outcome   BatchOutcome
	DryRun    bool
}

// DeletePurchases applies DeletePurchase to each id in order.
func (re *ReversalEngine) DeletePurchases(ctx context.Context, tenantID TenantID, ids []PurchaseID, dryRun bool) BatchDeletionResult {
	result := BatchDeletionResult{Items: make([]PurchaseDeletionResult, 0, len(ids)), DryRun: dryRun}
	for _, id := range ids {
		stats, err := re.DeletePurchase(ctx, tenantID, id, dryRun)
		result.Items = append(result.Items, PurchaseDeletionResult{PurchaseID: id, Stats: stats, Err: err})
		if err != nil {
			result.Failed++
			if !dryRun {
				re.metrics.RecordPurchaseReversal("failed")
			}
			continue
		}
		result.Succeeded++
		if !dryRun {
			re.metrics.RecordPurchaseReversal("succeeded")
		}
	}

	switch {
	case result.Failed == 0:
		result.Outcome = OutcomeAllSucceeded
	case result.Succeeded == 0:
		result.Outcome = OutcomeAllFailed
	default:
		result.Outcome = OutcomePartial
	}
	return result
}

// =============================================================================
// TRANSFER REVERSAL
// =============================================================================

// ReverseTransfer undoes a completed transfer with compensating movements
// and moves its devices back to the source warehouse.
func (re *ReversalEngine) ReverseTransfer(ctx context.Context, tenantID TenantID, id TransferID) (Transfer, error) {
	t, err := re.store.GetTransfer(ctx, tenantID, id)
	if err != nil {
		return Transfer{}, err
	}
	if t == nil {
		return Transfer{}, &ReversalNotFoundError{Kind: "transfer", ID: string(id)}
	}

	release, err := re.lockDevices(ctx, tenantID, t.DeviceIdentifiers())
	if err != nil {
		return Transfer{}, err
	}
	defer release()

	var reversed Transfer
	var compensating []StockMovement
	err = re.store.WithTx(ctx, func(w Writer) error {
		compensating = nil
		current, err := w.GetTransfer(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if current == nil {
			return &ReversalNotFoundError{Kind: "transfer", ID: string(id)}
		}
		if !CanTransition(current.Status, TransferReversed) {
			return &InvalidTransitionError{TransferID: id, From: current.Status, To: TransferReversed}
		}

		for _, it := range current.DeviceItems() {
			err := re.moveDeviceStockMapping(ctx, w, tenantID, it.DeviceIdentifier, it.SKU,
				current.DestWarehouse, current.SourceWarehouse, EventTransferReversed, RefTransferReversal, string(id))
			if errors.Is(err, ErrDeviceNotInSourceWarehouse) {
				return fmt.Errorf("%w: %v", ErrReversalConflict, err)
			}
			if err != nil {
				return err
			}
		}

		movements, err := w.ListMovementsByRef(ctx, tenantID, RefTransfer, string(id))
		if err != nil {
			return err
		}
		for _, m := range movements {
			c, err := re.applyMovement(ctx, w, StockMovement{
				TenantID:         tenantID,
				SKU:              m.SKU,
				WarehouseID:      m.WarehouseID,
				Delta:            -m.Delta,
				RefType:          RefTransferReversal,
				RefID:            string(id),
				DeviceIdentifier: m.DeviceIdentifier,
			})
			if err != nil {
				return err
			}
			compensating = append(compensating, c)
		}

		now := re.now()
		if err := w.UpdateTransferStatus(ctx, id, TransferReversed, now); err != nil {
			return err
		}
		reversed = *current
		reversed.Status, reversed.UpdatedAt = TransferReversed, now
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}

	re.recordMovements(compensating)
	re.metrics.RecordTransfer("reversed")
	return reversed, nil
}

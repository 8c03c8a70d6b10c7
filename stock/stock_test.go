package stock_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/refurb-engine/lock"
	"github.com/warp/refurb-engine/metrics"
	"github.com/warp/refurb-engine/stock"
	"github.com/warp/refurb-engine/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const tenant stock.TenantID = "tenant-a"

type fixture struct {
	store     *sqlstore.StockStore
	intake    *stock.Intake
	transfers *stock.TransferEngine
	reversals *stock.ReversalEngine
	logs      *test.Hook
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger, hook := test.NewNullLogger()
	opts := stock.Options{
		Locker:          lock.NewKeyedMutex(),
		Logger:          logger,
		Metrics:         metrics.New(nil),
		StrictTransfers: strict,
	}
	s := db.Stock()
	return &fixture{
		store:     s,
		intake:    stock.NewIntake(s, opts),
		transfers: stock.NewTransferEngine(s, opts),
		reversals: stock.NewReversalEngine(s, opts),
		logs:      hook,
	}
}

func (f *fixture) quantity(t *testing.T, sku string, wh stock.WarehouseID) int64 {
	t.Helper()
	key := stock.StockKey{TenantID: tenant, SKU: sku, WarehouseID: wh}
	row, err := f.store.GetStockRow(context.Background(), key)
	require.NoError(t, err)
	sum, err := f.store.SumMovements(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, sum, row.Quantity, "stock row %s/%s drifted from its movements", sku, wh)
	return row.Quantity
}

func (f *fixture) mapping(t *testing.T, device string) *stock.DeviceStockMapping {
	t.Helper()
	m, err := f.store.GetMapping(context.Background(), tenant, device)
	require.NoError(t, err)
	return m
}

func (f *fixture) deviceWarehouse(t *testing.T, device string) stock.WarehouseID {
	t.Helper()
	d, err := f.store.GetDevice(context.Background(), tenant, device)
	require.NoError(t, err)
	if d == nil {
		return ""
	}
	return d.WarehouseID
}

func (f *fixture) stockIn(t *testing.T, device, sku string, wh stock.WarehouseID) {
	t.Helper()
	_, err := f.intake.StockIn(context.Background(), tenant, device, sku, wh, "grading")
	require.NoError(t, err)
}

func (f *fixture) transferMovements(t *testing.T, id stock.TransferID) []stock.StockMovement {
	t.Helper()
	ms, err := f.store.ListMovementsByRef(context.Background(), tenant, stock.RefTransfer, string(id))
	require.NoError(t, err)
	return ms
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestTransfer_MovesDeviceAndStock(t *testing.T) {
	// GIVEN: IMEI1 mapped to (SKU-A, W1)
	f := newFixture(t, false)
	ctx := context.Background()
	f.stockIn(t, "IMEI1", "SKU-A", "W1")

	// WHEN: transferring it to W2
	tr, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "SKU-A", DeviceIdentifier: "IMEI1"}})
	require.NoError(t, err)
	assert.Equal(t, stock.TransferValidated, tr.Status)

	res, err := f.transfers.CompleteTransfer(ctx, tenant, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, res.MappingFailures)
	assert.Equal(t, stock.TransferCompleted, res.Transfer.Status)

	// THEN: the device, its record and both stock rows moved
	m := f.mapping(t, "IMEI1")
	require.NotNil(t, m)
	assert.Equal(t, stock.WarehouseID("W2"), m.WarehouseID)
	assert.Equal(t, "SKU-A", m.SKU)
	assert.Equal(t, stock.WarehouseID("W2"), f.deviceWarehouse(t, "IMEI1"))
	assert.Equal(t, int64(0), f.quantity(t, "SKU-A", "W1"))
	assert.Equal(t, int64(1), f.quantity(t, "SKU-A", "W2"))

	stored, err := f.transfers.GetTransfer(ctx, tenant, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.TransferCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestTransfer_TwoMovementsPerItem(t *testing.T) {
	// GIVEN: two devices and a lot of 10 parts at W1
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.intake.ReceivePurchase(ctx, tenant, "W1", "PO-1", []stock.ReceiveLine{
		{SKU: "SKU-A", UnitCost: decimal.RequireFromString("120.00"), Devices: []string{"IMEI1", "IMEI2"}},
		{SKU: "PART-SCREEN", UnitCost: decimal.RequireFromString("9.90"), Quantity: 10},
	})
	require.NoError(t, err)

	beforeA1, beforeP1 := f.quantity(t, "SKU-A", "W1"), f.quantity(t, "PART-SCREEN", "W1")
	require.Equal(t, int64(2), beforeA1)
	require.Equal(t, int64(10), beforeP1)

	// WHEN: transferring 3 lines
	tr, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{
		{SKU: "SKU-A", DeviceIdentifier: "IMEI1"},
		{SKU: "SKU-A", DeviceIdentifier: "IMEI2"},
		{SKU: "PART-SCREEN", Quantity: 4},
	})
	require.NoError(t, err)
	res, err := f.transfers.CompleteTransfer(ctx, tenant, tr.ID)
	require.NoError(t, err)

	// THEN: 2N movements, source negative and destination positive
	ms := f.transferMovements(t, tr.ID)
	assert.Len(t, ms, 6)
	assert.Len(t, res.Movements, 6)
	var sumW1, sumW2 int64
	for _, m := range ms {
		switch m.WarehouseID {
		case "W1":
			assert.Negative(t, m.Delta)
			sumW1 += m.Delta
		case "W2":
			assert.Positive(t, m.Delta)
			sumW2 += m.Delta
		}
	}
	assert.Equal(t, int64(-6), sumW1)
	assert.Equal(t, int64(6), sumW2)

	assert.Equal(t, beforeA1-2, f.quantity(t, "SKU-A", "W1"))
	assert.Equal(t, int64(2), f.quantity(t, "SKU-A", "W2"))
	assert.Equal(t, beforeP1-4, f.quantity(t, "PART-SCREEN", "W1"))
	assert.Equal(t, int64(4), f.quantity(t, "PART-SCREEN", "W2"))
}

func TestCreateTransfer_DeviceNotInSourceWritesNothing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.stockIn(t, "IMEI1", "SKU-A", "W3")

	cases := []struct {
		name  string
		items []stock.TransferItem
	}{
		{"unmapped device", []stock.TransferItem{{SKU: "SKU-A", DeviceIdentifier: "IMEI-UNKNOWN"}}},
		{"wrong warehouse", []stock.TransferItem{{SKU: "SKU-A", DeviceIdentifier: "IMEI1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", tc.items)
			var notIn *stock.DeviceNotInSourceWarehouseError
			require.ErrorAs(t, err, &notIn)
			assert.True(t, errors.Is(err, stock.ErrDeviceNotInSourceWarehouse))
			assert.True(t, stock.IsClientError(err))
		})
	}

	all, err := f.transfers.ListTransfers(ctx, tenant, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateTransfer_Validation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W1", []stock.TransferItem{{SKU: "P", Quantity: 1}})
	assert.ErrorIs(t, err, stock.ErrInvalidTransfer)
	_, err = f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", nil)
	assert.ErrorIs(t, err, stock.ErrInvalidTransfer)
	_, err = f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "P", Quantity: 0}})
	assert.ErrorIs(t, err, stock.ErrInvalidTransfer)
	_, err = f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "A", DeviceIdentifier: "D", Quantity: 2}})
	assert.ErrorIs(t, err, stock.ErrInvalidTransfer)
	_, err = f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "P", Quantity: stock.MaxQuantity + 1}})
	assert.ErrorIs(t, err, stock.ErrInvalidTransfer)

	// part lines skip the mapping check
	tr, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "P", Quantity: 3}})
	require.NoError(t, err)
	assert.Len(t, tr.Items, 1)
}

func TestTransfer_StatusTransitions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	tr, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "P", Quantity: 1}})
	require.NoError(t, err)
	cancelled, err := f.transfers.CancelTransfer(ctx, tenant, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.TransferCancelled, cancelled.Status)

	_, err = f.transfers.CompleteTransfer(ctx, tenant, tr.ID)
	assert.ErrorIs(t, err, stock.ErrInvalidTransition)
	assert.Empty(t, f.transferMovements(t, tr.ID))

	tr2, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "P", Quantity: 1}})
	require.NoError(t, err)
	_, err = f.transfers.CompleteTransfer(ctx, tenant, tr2.ID)
	require.NoError(t, err)
	_, err = f.transfers.CancelTransfer(ctx, tenant, tr2.ID)
	var invalid *stock.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, stock.TransferCompleted, invalid.From)

	_, err = f.transfers.CompleteTransfer(ctx, tenant, "missing")
	assert.ErrorIs(t, err, stock.ErrTransferNotFound)
}

// =============================================================================
// MAPPING MOVE FAILURES
// =============================================================================

// stockOutBetween validates a transfer and then sells the device before
// completion, so the remap has nothing to move.
func stockOutBetween(t *testing.T, f *fixture) stock.Transfer {
	t.Helper()
	ctx := context.Background()
	f.stockIn(t, "IMEI1", "SKU-A", "W1")
	tr, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "SKU-A", DeviceIdentifier: "IMEI1"}})
	require.NoError(t, err)
	_, err = f.intake.StockOut(ctx, tenant, "IMEI1", "order-77")
	require.NoError(t, err)
	return tr
}

func TestCompleteTransfer_TolerantLogsAndContinues(t *testing.T) {
	f := newFixture(t, false)
	tr := stockOutBetween(t, f)

	res, err := f.transfers.CompleteTransfer(context.Background(), tenant, tr.ID)

	// the stock movements stand, the remap failure is reported and logged
	require.NoError(t, err)
	assert.Equal(t, stock.TransferCompleted, res.Transfer.Status)
	require.Len(t, res.MappingFailures, 1)
	assert.True(t, errors.Is(res.MappingFailures[0], stock.ErrMappingMoveFailed))
	assert.Equal(t, "IMEI1", res.MappingFailures[0].DeviceIdentifier)
	assert.Len(t, f.transferMovements(t, tr.ID), 2)
	assert.Nil(t, f.mapping(t, "IMEI1"))

	var logged *logrus.Entry
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["funcName"] == "CompleteTransfer" {
			logged = e
		}
	}
	require.NotNil(t, logged, "mapping move failure must be logged")
	assert.Equal(t, "stock", logged.Data["module"])
}

func TestCompleteTransfer_StrictRollsBackEverything(t *testing.T) {
	f := newFixture(t, true)
	tr := stockOutBetween(t, f)

	_, err := f.transfers.CompleteTransfer(context.Background(), tenant, tr.ID)

	var moveErr *stock.MappingMoveError
	require.ErrorAs(t, err, &moveErr)
	assert.ErrorIs(t, err, stock.ErrMappingMoveFailed)
	assert.Empty(t, f.transferMovements(t, tr.ID))

	stored, err := f.transfers.GetTransfer(context.Background(), tenant, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.TransferValidated, stored.Status)
	assert.Equal(t, int64(0), f.quantity(t, "SKU-A", "W1"))
	assert.Equal(t, int64(0), f.quantity(t, "SKU-A", "W2"))
}

// =============================================================================
// TRANSFER REVERSAL
// =============================================================================

func TestReverseTransfer_RestoresStockAndMapping(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.stockIn(t, "IMEI1", "SKU-A", "W1")
	tr, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{
		{SKU: "SKU-A", DeviceIdentifier: "IMEI1"},
		{SKU: "P", Quantity: 2},
	})
	require.NoError(t, err)
	_, err = f.transfers.CompleteTransfer(ctx, tenant, tr.ID)
	require.NoError(t, err)

	reversed, err := f.reversals.ReverseTransfer(ctx, tenant, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.TransferReversed, reversed.Status)

	m := f.mapping(t, "IMEI1")
	require.NotNil(t, m)
	assert.Equal(t, stock.WarehouseID("W1"), m.WarehouseID)
	assert.Equal(t, stock.WarehouseID("W1"), f.deviceWarehouse(t, "IMEI1"))
	assert.Equal(t, int64(1), f.quantity(t, "SKU-A", "W1"))
	assert.Equal(t, int64(0), f.quantity(t, "SKU-A", "W2"))
	assert.Equal(t, int64(0), f.quantity(t, "P", "W1"))
	assert.Equal(t, int64(0), f.quantity(t, "P", "W2"))

	// the original movements are untouched; compensation is appended
	assert.Len(t, f.transferMovements(t, tr.ID), 4)
	comp, err := f.store.ListMovementsByRef(ctx, tenant, stock.RefTransferReversal, string(tr.ID))
	require.NoError(t, err)
	assert.Len(t, comp, 4)

	_, err = f.reversals.ReverseTransfer(ctx, tenant, tr.ID)
	assert.ErrorIs(t, err, stock.ErrInvalidTransition)
}

func TestReverseTransfer_ConflictWhenDeviceMovedOn(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.stockIn(t, "IMEI1", "SKU-A", "W1")
	tr, err := f.transfers.CreateTransfer(ctx, tenant, "W1", "W2", []stock.TransferItem{{SKU: "SKU-A", DeviceIdentifier: "IMEI1"}})
	require.NoError(t, err)
	_, err = f.transfers.CompleteTransfer(ctx, tenant, tr.ID)
	require.NoError(t, err)
	_, err = f.intake.StockOut(ctx, tenant, "IMEI1", "order-1")
	require.NoError(t, err)

	_, err = f.reversals.ReverseTransfer(ctx, tenant, tr.ID)
	assert.ErrorIs(t, err, stock.ErrReversalConflict)
	assert.True(t, stock.IsConflict(err))

	stored, err := f.transfers.GetTransfer(ctx, tenant, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, stock.TransferCompleted, stored.Status)

	_, err = f.reversals.ReverseTransfer(ctx, tenant, "missing")
	var notFound *stock.ReversalNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "transfer", notFound.Kind)
}

// =============================================================================
// PURCHASE DELETION
// =============================================================================

func receiveSample(t *testing.T, f *fixture) stock.Purchase {
	t.Helper()
	p, err := f.intake.ReceivePurchase(context.Background(), tenant, "W1", "PO-9", []stock.ReceiveLine{
		{SKU: "SKU-A", UnitCost: decimal.RequireFromString("99.00"), Devices: []string{"IMEI1", "IMEI2"}},
		{SKU: "PART-BATTERY", UnitCost: decimal.RequireFromString("4.10"), Quantity: 6},
	})
	require.NoError(t, err)
	return p
}

func TestDeletePurchase_DryRunMatchesRealRun(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := receiveSample(t, f)

	dry, err := f.reversals.DeletePurchase(ctx, tenant, p.ID, true)
	require.NoError(t, err)
	assert.True(t, dry.DryRun)

	// dry run wrote nothing
	assert.Equal(t, int64(2), f.quantity(t, "SKU-A", "W1"))
	require.NotNil(t, f.mapping(t, "IMEI1"))

	run, err := f.reversals.DeletePurchase(ctx, tenant, p.ID, false)
	require.NoError(t, err)
	assert.False(t, run.DryRun)

	assert.Equal(t, 3, dry.ReceivedItems)
	assert.Equal(t, 2, dry.PurchaseItems)
	assert.Equal(t, 3, dry.Movements)
	assert.Equal(t, 2, dry.Events)
	assert.Equal(t, 2, dry.Mappings)
	dry.DryRun = false
	assert.Equal(t, dry, run)
}

func TestDeletePurchase_RemovesEverythingItCreated(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := receiveSample(t, f)

	_, err := f.reversals.DeletePurchase(ctx, tenant, p.ID, false)
	require.NoError(t, err)

	assert.Equal(t, int64(0), f.quantity(t, "SKU-A", "W1"))
	assert.Equal(t, int64(0), f.quantity(t, "PART-BATTERY", "W1"))
	assert.Nil(t, f.mapping(t, "IMEI1"))
	assert.Nil(t, f.mapping(t, "IMEI2"))
	assert.Equal(t, stock.WarehouseID(""), f.deviceWarehouse(t, "IMEI1"))

	events, err := f.store.ListDeviceEvents(ctx, tenant, []string{"IMEI1", "IMEI2"})
	require.NoError(t, err)
	assert.Empty(t, events)
	gone, err := f.store.GetPurchase(ctx, tenant, p.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, err = f.reversals.DeletePurchase(ctx, tenant, p.ID, false)
	assert.ErrorIs(t, err, stock.ErrReversalNotFound)
}

func TestDeletePurchase_KeepsLaterReceiptOfSameDevice(t *testing.T) {
	// GIVEN: IMEI1 received in A, sold, then received again in B at the same place
	f := newFixture(t, false)
	ctx := context.Background()
	line := []stock.ReceiveLine{{SKU: "SKU-A", Devices: []string{"IMEI1"}}}
	a, err := f.intake.ReceivePurchase(ctx, tenant, "W1", "PO-A", line)
	require.NoError(t, err)
	_, err = f.intake.StockOut(ctx, tenant, "IMEI1", "order-1")
	require.NoError(t, err)
	b, err := f.intake.ReceivePurchase(ctx, tenant, "W1", "PO-B", line)
	require.NoError(t, err)

	// WHEN: deleting the older purchase
	stats, err := f.reversals.DeletePurchase(ctx, tenant, a.ID, false)
	require.NoError(t, err)

	// THEN: only A's stay goes; B's mapping, warehouse and event survive
	assert.Equal(t, 1, stats.Movements)
	assert.Equal(t, 2, stats.Events, "A's received and stocked_out events")
	assert.Equal(t, 0, stats.Mappings)
	m := f.mapping(t, "IMEI1")
	require.NotNil(t, m)
	assert.Equal(t, stock.WarehouseID("W1"), m.WarehouseID)
	assert.Equal(t, stock.WarehouseID("W1"), f.deviceWarehouse(t, "IMEI1"))
	events, err := f.store.ListDeviceEvents(ctx, tenant, []string{"IMEI1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(b.ID), events[0].RefID)

	// WHEN: deleting B as well
	stats, err = f.reversals.DeletePurchase(ctx, tenant, b.ID, false)
	require.NoError(t, err)

	// THEN: B releases the mapping it created
	assert.Equal(t, 1, stats.Mappings)
	assert.Nil(t, f.mapping(t, "IMEI1"))
	assert.Equal(t, stock.WarehouseID(""), f.deviceWarehouse(t, "IMEI1"))
	assert.Equal(t, int64(-1), f.quantity(t, "SKU-A", "W1"), "only the stock-out movement is left")
}

func TestDeletePurchase_DeviceStockedInAfterSaleIsKept(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	a, err := f.intake.ReceivePurchase(ctx, tenant, "W1", "PO-A", []stock.ReceiveLine{{SKU: "SKU-A", Devices: []string{"IMEI1"}}})
	require.NoError(t, err)
	_, err = f.intake.StockOut(ctx, tenant, "IMEI1", "order-1")
	require.NoError(t, err)
	f.stockIn(t, "IMEI1", "SKU-A", "W1")

	dry, err := f.reversals.DeletePurchase(ctx, tenant, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 0, dry.Mappings)

	_, err = f.reversals.DeletePurchase(ctx, tenant, a.ID, false)
	require.NoError(t, err)
	assert.NotNil(t, f.mapping(t, "IMEI1"))
}

func TestDeletePurchase_OtherTenantNotFound(t *testing.T) {
	f := newFixture(t, false)
	p := receiveSample(t, f)

	_, err := f.reversals.DeletePurchase(context.Background(), "tenant-b", p.ID, true)
	assert.ErrorIs(t, err, stock.ErrReversalNotFound)
}

func TestDeletePurchases_BatchOutcome(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := receiveSample(t, f)

	res := f.reversals.DeletePurchases(ctx, tenant, []stock.PurchaseID{"missing", p.ID}, false)
	assert.Equal(t, stock.OutcomePartial, res.Outcome)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Items, 2)
	assert.ErrorIs(t, res.Items[0].Err, stock.ErrReversalNotFound)
	assert.NoError(t, res.Items[1].Err)
	assert.Equal(t, 3, res.Items[1].Stats.Movements)

	res = f.reversals.DeletePurchases(ctx, tenant, []stock.PurchaseID{p.ID}, false)
	assert.Equal(t, stock.OutcomeAllFailed, res.Outcome)
}

// =============================================================================
// INTAKE
// =============================================================================

func TestReceivePurchase_AlreadyMappedDeviceWritesNothing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.stockIn(t, "IMEI1", "SKU-A", "W1")

	_, err := f.intake.ReceivePurchase(ctx, tenant, "W2", "PO-2", []stock.ReceiveLine{
		{SKU: "SKU-B", Quantity: 3},
		{SKU: "SKU-A", Devices: []string{"IMEI1"}},
	})
	assert.ErrorIs(t, err, stock.ErrDeviceAlreadyMapped)
	assert.Equal(t, int64(0), f.quantity(t, "SKU-B", "W2"))

	_, err = f.intake.ReceivePurchase(ctx, tenant, "W2", "PO-3", []stock.ReceiveLine{{SKU: "SKU-A", Devices: []string{"X", "X"}}})
	assert.ErrorIs(t, err, stock.ErrInvalidReceipt)
}

func TestReceivePurchase_QuantityLimit(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.intake.ReceivePurchase(ctx, tenant, "W1", "PO-BIG", []stock.ReceiveLine{{SKU: "PART-BATTERY", Quantity: math.MaxInt64}})
	assert.ErrorIs(t, err, stock.ErrInvalidReceipt)
	assert.Equal(t, int64(0), f.quantity(t, "PART-BATTERY", "W1"))

	_, err = f.intake.ReceivePurchase(ctx, tenant, "W1", "PO-MAX", []stock.ReceiveLine{{SKU: "PART-BATTERY", Quantity: stock.MaxQuantity}})
	require.NoError(t, err)
	assert.Equal(t, stock.MaxQuantity, f.quantity(t, "PART-BATTERY", "W1"))
}

func TestStockInOut(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.stockIn(t, "IMEI1", "SKU-A", "W1")
	_, err := f.intake.StockIn(ctx, tenant, "IMEI1", "SKU-A", "W2", "again")
	assert.ErrorIs(t, err, stock.ErrDeviceAlreadyMapped)

	m, err := f.intake.StockOut(ctx, tenant, "IMEI1", "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), m.Delta)
	assert.Equal(t, int64(0), f.quantity(t, "SKU-A", "W1"))
	assert.Equal(t, stock.WarehouseID(""), f.deviceWarehouse(t, "IMEI1"))

	_, err = f.intake.StockOut(ctx, tenant, "IMEI1", "order-2")
	assert.ErrorIs(t, err, stock.ErrDeviceNotMapped)
}

// =============================================================================
// MAPPING INVARIANT
// =============================================================================

func TestMappingInvariant_RandomInterleaving(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	warehouses := []stock.WarehouseID{"W1", "W2", "W3"}
	const device = "IMEI-PROP"

	for step := 0; step < 200; step++ {
		wh := warehouses[rng.Intn(len(warehouses))]
		switch rng.Intn(3) {
		case 0:
			_, err := f.intake.StockIn(ctx, tenant, device, "SKU-A", wh, "grading")
			if err != nil {
				require.ErrorIs(t, err, stock.ErrDeviceAlreadyMapped, "step %d", step)
			}
		case 1:
			src := stock.WarehouseID("W1")
			if m := f.mapping(t, device); m != nil {
				src = m.WarehouseID
			}
			if src == wh {
				continue
			}
			tr, err := f.transfers.CreateTransfer(ctx, tenant, src, wh, []stock.TransferItem{{SKU: "SKU-A", DeviceIdentifier: device}})
			if err != nil {
				require.ErrorIs(t, err, stock.ErrDeviceNotInSourceWarehouse, "step %d", step)
				break
			}
			res, err := f.transfers.CompleteTransfer(ctx, tenant, tr.ID)
			require.NoError(t, err, "step %d", step)
			require.Empty(t, res.MappingFailures, "step %d", step)
		case 2:
			_, err := f.intake.StockOut(ctx, tenant, device, "sale")
			if err != nil {
				require.ErrorIs(t, err, stock.ErrDeviceNotMapped, "step %d", step)
			}
		}

		n, err := f.store.CountMappings(ctx, tenant, device)
		require.NoError(t, err)
		require.LessOrEqual(t, n, 1, "step %d", step)

		m := f.mapping(t, device)
		if m == nil {
			assert.Equal(t, stock.WarehouseID(""), f.deviceWarehouse(t, device), "step %d", step)
		} else {
			assert.Equal(t, m.WarehouseID, f.deviceWarehouse(t, device), "step %d", step)
		}
	}

	for _, wh := range warehouses {
		f.quantity(t, "SKU-A", wh)
	}
}

func TestMappingInvariant_ConcurrentTransfersOfOneDevice(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.stockIn(t, "IMEI1", "SKU-A", "W1")

	var wg sync.WaitGroup
	for _, dest := range []stock.WarehouseID{"W2", "W3", "W4"} {
		wg.Add(1)
		go func(dest stock.WarehouseID) {
			defer wg.Done()
			tr, err := f.transfers.CreateTransfer(ctx, tenant, "W1", dest, []stock.TransferItem{{SKU: "SKU-A", DeviceIdentifier: "IMEI1"}})
			if err != nil {
				assert.ErrorIs(t, err, stock.ErrDeviceNotInSourceWarehouse)
				return
			}
			_, err = f.transfers.CompleteTransfer(ctx, tenant, tr.ID)
			assert.NoError(t, err)
		}(dest)
	}
	wg.Wait()

	n, err := f.store.CountMappings(ctx, tenant, "IMEI1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

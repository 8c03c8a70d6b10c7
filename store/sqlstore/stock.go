package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/warp/refurb-engine/stock"
)

// StockStore implements stock.Store.
type StockStore struct {
	db *DB
	stockQueries
}

func (s *StockStore) WithTx(ctx context.Context, fn func(stock.Writer) error) error {
	return s.db.withTx(ctx, func(tx *sqlx.Tx) error {
		return fn(stockQueries{s.db.queries(tx)})
	})
}

type stockQueries struct {
	queries
}

// =============================================================================
// ROWS
// =============================================================================

type stockRowRow struct {
	TenantID    string    `db:"tenant_id"`
	SKU         string    `db:"sku"`
	WarehouseID string    `db:"warehouse_id"`
	Quantity    int64     `db:"quantity"`
	UpdatedAt   timestamp `db:"updated_at"`
}

func (r stockRowRow) toStockRow() stock.StockRow {
	return stock.StockRow{
		TenantID:    stock.TenantID(r.TenantID),
		SKU:         r.SKU,
		WarehouseID: stock.WarehouseID(r.WarehouseID),
		Quantity:    r.Quantity,
		UpdatedAt:   r.UpdatedAt.Time(),
	}
}

type movementRow struct {
	Seq              int64     `db:"seq"`
	ID               string    `db:"id"`
	TenantID         string    `db:"tenant_id"`
	SKU              string    `db:"sku"`
	WarehouseID      string    `db:"warehouse_id"`
	Delta            int64     `db:"delta"`
	RefType          string    `db:"ref_type"`
	RefID            string    `db:"ref_id"`
	DeviceIdentifier string    `db:"device_identifier"`
	CreatedAt        timestamp `db:"created_at"`
}

func (r movementRow) toMovement() stock.StockMovement {
	return stock.StockMovement{
		ID:               stock.MovementID(r.ID),
		Seq:              r.Seq,
		TenantID:         stock.TenantID(r.TenantID),
		SKU:              r.SKU,
		WarehouseID:      stock.WarehouseID(r.WarehouseID),
		Delta:            r.Delta,
		RefType:          stock.RefType(r.RefType),
		RefID:            r.RefID,
		DeviceIdentifier: r.DeviceIdentifier,
		CreatedAt:        r.CreatedAt.Time(),
	}
}

type mappingRow struct {
	TenantID         string    `db:"tenant_id"`
	DeviceIdentifier string    `db:"device_identifier"`
	SKU              string    `db:"sku"`
	WarehouseID      string    `db:"warehouse_id"`
	CreatedAt        timestamp `db:"created_at"`
}

type deviceRow struct {
	TenantID         string    `db:"tenant_id"`
	DeviceIdentifier string    `db:"device_identifier"`
	WarehouseID      string    `db:"warehouse_id"`
	UpdatedAt        timestamp `db:"updated_at"`
}

type eventRow struct {
	ID               string    `db:"id"`
	TenantID         string    `db:"tenant_id"`
	DeviceIdentifier string    `db:"device_identifier"`
	EventType        string    `db:"event_type"`
	WarehouseID      string    `db:"warehouse_id"`
	RefType          string    `db:"ref_type"`
	RefID            string    `db:"ref_id"`
	CreatedAt        timestamp `db:"created_at"`
}

type purchaseRow struct {
	ID          string    `db:"id"`
	TenantID    string    `db:"tenant_id"`
	WarehouseID string    `db:"warehouse_id"`
	Reference   string    `db:"reference"`
	CreatedAt   timestamp `db:"created_at"`
}

type purchaseItemRow struct {
	ID         string          `db:"id"`
	PurchaseID string          `db:"purchase_id"`
	TenantID   string          `db:"tenant_id"`
	SKU        string          `db:"sku"`
	Quantity   int64           `db:"quantity"`
	UnitCost   decimal.Decimal `db:"unit_cost"`
}

type receivedItemRow struct {
	ID               string    `db:"id"`
	PurchaseID       string    `db:"purchase_id"`
	PurchaseItemID   string    `db:"purchase_item_id"`
	TenantID         string    `db:"tenant_id"`
	SKU              string    `db:"sku"`
	WarehouseID      string    `db:"warehouse_id"`
	DeviceIdentifier string    `db:"device_identifier"`
	Quantity         int64     `db:"quantity"`
	CreatedAt        timestamp `db:"created_at"`
}

type transferRow struct {
	ID              string        `db:"id"`
	TenantID        string        `db:"tenant_id"`
	SourceWarehouse string        `db:"source_warehouse"`
	DestWarehouse   string        `db:"dest_warehouse"`
	Status          string        `db:"status"`
	CreatedAt       timestamp     `db:"created_at"`
	UpdatedAt       timestamp     `db:"updated_at"`
	CompletedAt     nullTimestamp `db:"completed_at"`
}

func (r transferRow) toTransfer() stock.Transfer {
	return stock.Transfer{
		ID:              stock.TransferID(r.ID),
		TenantID:        stock.TenantID(r.TenantID),
		SourceWarehouse: stock.WarehouseID(r.SourceWarehouse),
		DestWarehouse:   stock.WarehouseID(r.DestWarehouse),
		Status:          stock.TransferStatus(r.Status),
		CreatedAt:       r.CreatedAt.Time(),
		UpdatedAt:       r.UpdatedAt.Time(),
		CompletedAt:     r.CompletedAt.Ptr(),
	}
}

type transferItemRow struct {
	ID               string `db:"id"`
	TransferID       string `db:"transfer_id"`
	SKU              string `db:"sku"`
	DeviceIdentifier string `db:"device_identifier"`
	Quantity         int64  `db:"quantity"`
}

// =============================================================================
// READER
// =============================================================================

func (q stockQueries) GetStockRow(ctx context.Context, key stock.StockKey) (stock.StockRow, error) {
	var row stockRowRow
	err := q.get(ctx, &row, `SELECT tenant_id, sku, warehouse_id, quantity, updated_at
		FROM stock_rows WHERE tenant_id = ? AND sku = ? AND warehouse_id = ?`,
		string(key.TenantID), key.SKU, string(key.WarehouseID))
	if errors.Is(err, sql.ErrNoRows) {
		return stock.StockRow{TenantID: key.TenantID, SKU: key.SKU, WarehouseID: key.WarehouseID}, nil
	}
	if err != nil {
		return stock.StockRow{}, fmt.Errorf("get stock row: %w", err)
	}
	return row.toStockRow(), nil
}

func (q stockQueries) ListStockRows(ctx context.Context, tenantID stock.TenantID, warehouseID stock.WarehouseID) ([]stock.StockRow, error) {
	query := `SELECT tenant_id, sku, warehouse_id, quantity, updated_at FROM stock_rows WHERE tenant_id = ?`
	args := []any{string(tenantID)}
	if warehouseID != "" {
		query += ` AND warehouse_id = ?`
		args = append(args, string(warehouseID))
	}
	var rows []stockRowRow
	if err := q.sel(ctx, &rows, query+` ORDER BY warehouse_id, sku`, args...); err != nil {
		return nil, fmt.Errorf("list stock rows: %w", err)
	}
	out := make([]stock.StockRow, len(rows))
	for i, r := range rows {
		out[i] = r.toStockRow()
	}
	return out, nil
}

func (q stockQueries) SumMovements(ctx context.Context, key stock.StockKey) (int64, error) {
	var sum int64
	err := q.get(ctx, &sum, `SELECT COALESCE(SUM(delta), 0) FROM stock_movements
		WHERE tenant_id = ? AND sku = ? AND warehouse_id = ?`,
		string(key.TenantID), key.SKU, string(key.WarehouseID))
	if err != nil {
		return 0, fmt.Errorf("sum movements: %w", err)
	}
	return sum, nil
}

func (q stockQueries) ListMovementsByRef(ctx context.Context, tenantID stock.TenantID, refType stock.RefType, refID string) ([]stock.StockMovement, error) {
	var rows []movementRow
	err := q.sel(ctx, &rows, `SELECT seq, id, tenant_id, sku, warehouse_id, delta, ref_type, ref_id, device_identifier, created_at
		FROM stock_movements WHERE tenant_id = ? AND ref_type = ? AND ref_id = ?
		ORDER BY seq`, string(tenantID), string(refType), refID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	out := make([]stock.StockMovement, len(rows))
	for i, r := range rows {
		out[i] = r.toMovement()
	}
	return out, nil
}

func (q stockQueries) GetMapping(ctx context.Context, tenantID stock.TenantID, deviceIdentifier string) (*stock.DeviceStockMapping, error) {
	var row mappingRow
	err := q.get(ctx, &row, `SELECT tenant_id, device_identifier, sku, warehouse_id, created_at
		FROM device_stock_mappings WHERE tenant_id = ? AND device_identifier = ?`+q.forUpdate(),
		string(tenantID), deviceIdentifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return &stock.DeviceStockMapping{
		TenantID:         stock.TenantID(row.TenantID),
		DeviceIdentifier: row.DeviceIdentifier,
		SKU:              row.SKU,
		WarehouseID:      stock.WarehouseID(row.WarehouseID),
		CreatedAt:        row.CreatedAt.Time(),
	}, nil
}

func (q stockQueries) CountMappings(ctx context.Context, tenantID stock.TenantID, deviceIdentifier string) (int, error) {
	var n int
	err := q.get(ctx, &n, `SELECT COUNT(*) FROM device_stock_mappings WHERE tenant_id = ? AND device_identifier = ?`,
		string(tenantID), deviceIdentifier)
	if err != nil {
		return 0, fmt.Errorf("count mappings: %w", err)
	}
	return n, nil
}

func (q stockQueries) GetDevice(ctx context.Context, tenantID stock.TenantID, deviceIdentifier string) (*stock.Device, error) {
	var row deviceRow
	err := q.get(ctx, &row, `SELECT tenant_id, device_identifier, warehouse_id, updated_at
		FROM devices WHERE tenant_id = ? AND device_identifier = ?`, string(tenantID), deviceIdentifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &stock.Device{
		TenantID:         stock.TenantID(row.TenantID),
		DeviceIdentifier: row.DeviceIdentifier,
		WarehouseID:      stock.WarehouseID(row.WarehouseID),
		UpdatedAt:        row.UpdatedAt.Time(),
	}, nil
}

func (q stockQueries) ListDeviceEvents(ctx context.Context, tenantID stock.TenantID, deviceIdentifiers []string) ([]stock.DeviceEvent, error) {
	if len(deviceIdentifiers) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, tenant_id, device_identifier, event_type, warehouse_id, ref_type, ref_id, created_at
		FROM device_events WHERE tenant_id = ? AND device_identifier IN (?)
		ORDER BY seq`, string(tenantID), deviceIdentifiers)
	if err != nil {
		return nil, err
	}
	var rows []eventRow
	if err := q.sel(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list device events: %w", err)
	}
	out := make([]stock.DeviceEvent, len(rows))
	for i, r := range rows {
		out[i] = stock.DeviceEvent{
			ID:               r.ID,
			TenantID:         stock.TenantID(r.TenantID),
			DeviceIdentifier: r.DeviceIdentifier,
			EventType:        stock.DeviceEventType(r.EventType),
			WarehouseID:      stock.WarehouseID(r.WarehouseID),
			RefType:          stock.RefType(r.RefType),
			RefID:            r.RefID,
			CreatedAt:        r.CreatedAt.Time(),
		}
	}
	return out, nil
}

func (q stockQueries) GetPurchase(ctx context.Context, tenantID stock.TenantID, id stock.PurchaseID) (*stock.Purchase, error) {
	var row purchaseRow
	err := q.get(ctx, &row, `SELECT id, tenant_id, warehouse_id, reference, created_at
		FROM purchases WHERE tenant_id = ? AND id = ?`, string(tenantID), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return &stock.Purchase{
		ID:          stock.PurchaseID(row.ID),
		TenantID:    stock.TenantID(row.TenantID),
		WarehouseID: stock.WarehouseID(row.WarehouseID),
		Reference:   row.Reference,
		CreatedAt:   row.CreatedAt.Time(),
	}, nil
}

func (q stockQueries) ListPurchaseItems(ctx context.Context, purchaseID stock.PurchaseID) ([]stock.PurchaseItem, error) {
	var rows []purchaseItemRow
	err := q.sel(ctx, &rows, `SELECT id, purchase_id, tenant_id, sku, quantity, unit_cost
		FROM purchase_items WHERE purchase_id = ? ORDER BY sku, id`, string(purchaseID))
	if err != nil {
		return nil, fmt.Errorf("list purchase items: %w", err)
	}
	out := make([]stock.PurchaseItem, len(rows))
	for i, r := range rows {
		out[i] = stock.PurchaseItem{
			ID:         r.ID,
			PurchaseID: stock.PurchaseID(r.PurchaseID),
			TenantID:   stock.TenantID(r.TenantID),
			SKU:        r.SKU,
			Quantity:   r.Quantity,
			UnitCost:   r.UnitCost,
		}
	}
	return out, nil
}

func (q stockQueries) ListReceivedItems(ctx context.Context, purchaseID stock.PurchaseID) ([]stock.ReceivedItem, error) {
	var rows []receivedItemRow
	err := q.sel(ctx, &rows, `SELECT id, purchase_id, purchase_item_id, tenant_id, sku, warehouse_id, device_identifier, quantity, created_at
		FROM received_items WHERE purchase_id = ? ORDER BY sku, device_identifier, id`, string(purchaseID))
	if err != nil {
		return nil, fmt.Errorf("list received items: %w", err)
	}
	out := make([]stock.ReceivedItem, len(rows))
	for i, r := range rows {
		out[i] = stock.ReceivedItem{
			ID:               r.ID,
			PurchaseID:       stock.PurchaseID(r.PurchaseID),
			PurchaseItemID:   r.PurchaseItemID,
			TenantID:         stock.TenantID(r.TenantID),
			SKU:              r.SKU,
			WarehouseID:      stock.WarehouseID(r.WarehouseID),
			DeviceIdentifier: r.DeviceIdentifier,
			Quantity:         r.Quantity,
			CreatedAt:        r.CreatedAt.Time(),
		}
	}
	return out, nil
}

const transferColumns = `id, tenant_id, source_warehouse, dest_warehouse, status, created_at, updated_at, completed_at`

func (q stockQueries) GetTransfer(ctx context.Context, tenantID stock.TenantID, id stock.TransferID) (*stock.Transfer, error) {
	var row transferRow
	err := q.get(ctx, &row, `SELECT `+transferColumns+` FROM transfers WHERE tenant_id = ? AND id = ?`+q.forUpdate(),
		string(tenantID), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer: %w", err)
	}
	t := row.toTransfer()
	items, err := q.transferItems(ctx, []string{row.ID})
	if err != nil {
		return nil, err
	}
	t.Items = items[t.ID]
	return &t, nil
}

func (q stockQueries) ListTransfers(ctx context.Context, tenantID stock.TenantID, status stock.TransferStatus) ([]stock.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE tenant_id = ?`
	args := []any{string(tenantID)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	var rows []transferRow
	if err := q.sel(ctx, &rows, query+` ORDER BY created_at DESC, id`, args...); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	if len(rows) == 0 {
		return []stock.Transfer{}, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	items, err := q.transferItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]stock.Transfer, len(rows))
	for i, r := range rows {
		out[i] = r.toTransfer()
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (q stockQueries) transferItems(ctx context.Context, transferIDs []string) (map[stock.TransferID][]stock.TransferItem, error) {
	query, args, err := sqlx.In(`SELECT id, transfer_id, sku, device_identifier, quantity
		FROM transfer_items WHERE transfer_id IN (?) ORDER BY transfer_id, line_no`, transferIDs)
	if err != nil {
		return nil, err
	}
	var rows []transferItemRow
	if err := q.sel(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list transfer items: %w", err)
	}
	out := make(map[stock.TransferID][]stock.TransferItem)
	for _, r := range rows {
		id := stock.TransferID(r.TransferID)
		out[id] = append(out[id], stock.TransferItem{
			ID:               r.ID,
			TransferID:       id,
			SKU:              r.SKU,
			DeviceIdentifier: r.DeviceIdentifier,
			Quantity:         r.Quantity,
		})
	}
	return out, nil
}

// =============================================================================
// WRITER
// =============================================================================

func (q stockQueries) InsertMovement(ctx context.Context, m stock.StockMovement) (stock.StockMovement, error) {
	seq, err := q.insertSeq(ctx, `INSERT INTO stock_movements
		(id, tenant_id, sku, warehouse_id, delta, ref_type, ref_id, device_identifier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), string(m.TenantID), m.SKU, string(m.WarehouseID), m.Delta,
		string(m.RefType), m.RefID, m.DeviceIdentifier, formatTime(m.CreatedAt))
	if err != nil {
		return stock.StockMovement{}, err
	}
	m.Seq = seq
	return m, nil
}

func (q stockQueries) DeleteMovement(ctx context.Context, id stock.MovementID) error {
	_, err := q.exec(ctx, `DELETE FROM stock_movements WHERE id = ?`, string(id))
	return err
}

func (q stockQueries) AdjustStockRow(ctx context.Context, key stock.StockKey, delta int64, at time.Time) error {
	_, err := q.exec(ctx, `INSERT INTO stock_rows (tenant_id, sku, warehouse_id, quantity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, sku, warehouse_id) DO UPDATE SET
			quantity = stock_rows.quantity + excluded.quantity,
			updated_at = excluded.updated_at`,
		string(key.TenantID), key.SKU, string(key.WarehouseID), delta, formatTime(at))
	return err
}

func (q stockQueries) InsertMapping(ctx context.Context, m stock.DeviceStockMapping) error {
	_, err := q.exec(ctx, `INSERT INTO device_stock_mappings (tenant_id, device_identifier, sku, warehouse_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(m.TenantID), m.DeviceIdentifier, m.SKU, string(m.WarehouseID), formatTime(m.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", stock.ErrDeviceAlreadyMapped, m.DeviceIdentifier)
	}
	return err
}

func (q stockQueries) DeleteMapping(ctx context.Context, tenantID stock.TenantID, deviceIdentifier string) error {
	_, err := q.exec(ctx, `DELETE FROM device_stock_mappings WHERE tenant_id = ? AND device_identifier = ?`,
		string(tenantID), deviceIdentifier)
	return err
}

func (q stockQueries) SaveDevice(ctx context.Context, d stock.Device) error {
	_, err := q.exec(ctx, `INSERT INTO devices (tenant_id, device_identifier, warehouse_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, device_identifier) DO UPDATE SET
			warehouse_id = excluded.warehouse_id,
			updated_at = excluded.updated_at`,
		string(d.TenantID), d.DeviceIdentifier, string(d.WarehouseID), formatTime(d.UpdatedAt))
	return err
}

func (q stockQueries) InsertDeviceEvent(ctx context.Context, e stock.DeviceEvent) error {
	_, err := q.exec(ctx, `INSERT INTO device_events
		(id, tenant_id, device_identifier, event_type, warehouse_id, ref_type, ref_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.TenantID), e.DeviceIdentifier, string(e.EventType), string(e.WarehouseID),
		string(e.RefType), e.RefID, formatTime(e.CreatedAt))
	return err
}

func (q stockQueries) DeleteDeviceEvents(ctx context.Context, tenantID stock.TenantID, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM device_events WHERE tenant_id = ? AND id IN (?)`,
		string(tenantID), ids)
	if err != nil {
		return 0, err
	}
	return q.execCount(ctx, query, args...)
}

func (q stockQueries) InsertPurchase(ctx context.Context, p stock.Purchase) error {
	_, err := q.exec(ctx, `INSERT INTO purchases (id, tenant_id, warehouse_id, reference, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(p.ID), string(p.TenantID), string(p.WarehouseID), p.Reference, formatTime(p.CreatedAt))
	return err
}

func (q stockQueries) InsertPurchaseItem(ctx context.Context, it stock.PurchaseItem) error {
	_, err := q.exec(ctx, `INSERT INTO purchase_items (id, purchase_id, tenant_id, sku, quantity, unit_cost)
		VALUES (?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.PurchaseID), string(it.TenantID), it.SKU, it.Quantity, it.UnitCost.String())
	return err
}

func (q stockQueries) InsertReceivedItem(ctx context.Context, it stock.ReceivedItem) error {
	_, err := q.exec(ctx, `INSERT INTO received_items
		(id, purchase_id, purchase_item_id, tenant_id, sku, warehouse_id, device_identifier, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.PurchaseID), it.PurchaseItemID, string(it.TenantID), it.SKU, string(it.WarehouseID),
		it.DeviceIdentifier, it.Quantity, formatTime(it.CreatedAt))
	return err
}

func (q stockQueries) DeleteReceivedItems(ctx context.Context, purchaseID stock.PurchaseID) (int, error) {
	return q.execCount(ctx, `DELETE FROM received_items WHERE purchase_id = ?`, string(purchaseID))
}

func (q stockQueries) DeletePurchaseItems(ctx context.Context, purchaseID stock.PurchaseID) (int, error) {
	return q.execCount(ctx, `DELETE FROM purchase_items WHERE purchase_id = ?`, string(purchaseID))
}

func (q stockQueries) DeletePurchase(ctx context.Context, id stock.PurchaseID) error {
	_, err := q.exec(ctx, `DELETE FROM purchases WHERE id = ?`, string(id))
	return err
}

func (q stockQueries) InsertTransfer(ctx context.Context, t stock.Transfer) error {
	var completedAt any
	if t.CompletedAt != nil {
		completedAt = formatTime(*t.CompletedAt)
	}
	_, err := q.exec(ctx, `INSERT INTO transfers (`+transferColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.TenantID), string(t.SourceWarehouse), string(t.DestWarehouse), string(t.Status),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	for i, it := range t.Items {
		_, err := q.exec(ctx, `INSERT INTO transfer_items (id, transfer_id, line_no, sku, device_identifier, quantity)
			VALUES (?, ?, ?, ?, ?, ?)`,
			it.ID, string(t.ID), i, it.SKU, it.DeviceIdentifier, it.Quantity)
		if err != nil {
			return fmt.Errorf("insert transfer item: %w", err)
		}
	}
	return nil
}

func (q stockQueries) UpdateTransferStatus(ctx context.Context, id stock.TransferID, status stock.TransferStatus, at time.Time) error {
	query := `UPDATE transfers SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), formatTime(at), string(id)}
	if status == stock.TransferCompleted {
		query = `UPDATE transfers SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`
		args = []any{string(status), formatTime(at), formatTime(at), string(id)}
	}
	n, err := q.execCount(ctx, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", stock.ErrTransferNotFound, id)
	}
	return nil
}

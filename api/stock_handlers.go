/*
stock_handlers.go - HTTP API handlers for device stock

ENDPOINTS (under /api/tenants/{tenantID}/stock):
  Intake:
    POST   /purchases                         Receive a purchase
    DELETE /purchases/{purchaseID}            Delete one purchase (?dry_run=true)
    POST   /purchases/delete                  Batch delete with per-id results
    POST   /devices/{device}/stock-in
    POST   /devices/{device}/stock-out
    GET    /devices/{device}/mapping
    GET    /rows                              ?warehouse_id= narrows to one warehouse

  Transfers:
    POST   /transfers                         Validate and record a transfer
    GET    /transfers                         ?status= filter
    GET    /transfers/{transferID}
    POST   /transfers/{transferID}/complete
    POST   /transfers/{transferID}/cancel
    POST   /transfers/{transferID}/reverse

COMPLETION RESPONSE:
  A tolerant completion that could not move every device mapping still
  answers 200 with the failures listed in mapping_failures. The stock
  movements of such a transfer have committed.
*/
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/refurb-engine/stock"
)

func tenantStock(r *http.Request) stock.TenantID {
	return stock.TenantID(chi.URLParam(r, "tenantID"))
}

// =============================================================================
// PURCHASES
// =============================================================================

// ReceivePurchase records a purchase receipt.
// POST /api/tenants/{tenantID}/stock/purchases
func (h *Handler) ReceivePurchase(w http.ResponseWriter, r *http.Request) {
	var req ReceivePurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	lines := make([]stock.ReceiveLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = stock.ReceiveLine{SKU: l.SKU, UnitCost: l.UnitCost, Quantity: l.Quantity, Devices: l.Devices}
	}

	p, err := h.Intake.ReceivePurchase(r.Context(), tenantStock(r), stock.WarehouseID(req.WarehouseID), req.Reference, lines)
	if err != nil {
		h.fail(w, r, "Failed to receive purchase", err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseDTO{
		ID:          string(p.ID),
		WarehouseID: string(p.WarehouseID),
		Reference:   p.Reference,
		CreatedAt:   formatTime(p.CreatedAt),
	})
}

// DeletePurchase removes one purchase and everything it created. Without
// ?dry_run=false nothing is written.
// DELETE /api/tenants/{tenantID}/stock/purchases/{purchaseID}
func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	dryRun := true
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid dry_run", err)
			return
		}
		dryRun = b
	}

	stats, err := h.Reversals.DeletePurchase(r.Context(), tenantStock(r), stock.PurchaseID(chi.URLParam(r, "purchaseID")), dryRun)
	if err != nil {
		h.fail(w, r, "Failed to delete purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeletionDTO(stats))
}

// DeletePurchases runs the deletion for each id independently.
// POST /api/tenants/{tenantID}/stock/purchases/delete
func (h *Handler) DeletePurchases(w http.ResponseWriter, r *http.Request) {
	var req DeletePurchasesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.PurchaseIDs) == 0 {
		writeError(w, http.StatusBadRequest, "purchase_ids is required", nil)
		return
	}
	dryRun := req.DryRun == nil || *req.DryRun

	ids := make([]stock.PurchaseID, len(req.PurchaseIDs))
	for i, id := range req.PurchaseIDs {
		ids[i] = stock.PurchaseID(id)
	}
	res := h.Reversals.DeletePurchases(r.Context(), tenantStock(r), ids, dryRun)

	dto := BatchDeletionDTO{
		Items:     make([]PurchaseDeletionDTO, len(res.Items)),
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Outcome:   string(res.Outcome),
		DryRun:    res.DryRun,
	}
	for i, it := range res.Items {
		item := toDeletionDTO(it.Stats)
		item.PurchaseID = string(it.PurchaseID)
		item.DryRun = dryRun
		if it.Err != nil {
			item.Error = it.Err.Error()
		}
		dto.Items[i] = item
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// DEVICES
// =============================================================================

func (h *Handler) StockIn(w http.ResponseWriter, r *http.Request) {
	var req StockInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.Intake.StockIn(r.Context(), tenantStock(r), chi.URLParam(r, "device"), req.SKU, stock.WarehouseID(req.WarehouseID), req.Reference)
	if err != nil {
		h.fail(w, r, "Failed to stock in device", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMappingDTO(m))
}

func (h *Handler) StockOut(w http.ResponseWriter, r *http.Request) {
	var req StockOutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := h.Intake.StockOut(r.Context(), tenantStock(r), chi.URLParam(r, "device"), req.Reference)
	if err != nil {
		h.fail(w, r, "Failed to stock out device", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTO(m))
}

func (h *Handler) GetMapping(w http.ResponseWriter, r *http.Request) {
	m, err := h.Intake.Mapping(r.Context(), tenantStock(r), chi.URLParam(r, "device"))
	if err != nil {
		h.fail(w, r, "Failed to get device mapping", err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "Device is not in stock", nil)
		return
	}
	writeJSON(w, http.StatusOK, toMappingDTO(*m))
}

func (h *Handler) ListStockRows(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Intake.StockRows(r.Context(), tenantStock(r), stock.WarehouseID(r.URL.Query().Get("warehouse_id")))
	if err != nil {
		h.fail(w, r, "Failed to list stock", err)
		return
	}
	dtos := make([]StockRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = StockRowDTO{
			SKU:         row.SKU,
			WarehouseID: string(row.WarehouseID),
			Quantity:    row.Quantity,
			UpdatedAt:   formatTime(row.UpdatedAt),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// TRANSFERS
// =============================================================================

// CreateTransfer checks every device is at the source and records the
// transfer as validated.
// POST /api/tenants/{tenantID}/stock/transfers
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req CreateTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	items := make([]stock.TransferItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = stock.TransferItem{SKU: it.SKU, DeviceIdentifier: it.DeviceIdentifier, Quantity: it.Quantity}
	}

	t, err := h.Transfers.CreateTransfer(r.Context(), tenantStock(r),
		stock.WarehouseID(req.SourceWarehouse), stock.WarehouseID(req.DestWarehouse), items)
	if err != nil {
		h.fail(w, r, "Transfer rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransferDTO(t))
}

func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	ts, err := h.Transfers.ListTransfers(r.Context(), tenantStock(r), stock.TransferStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, r, "Failed to list transfers", err)
		return
	}
	dtos := make([]TransferDTO, len(ts))
	for i, t := range ts {
		dtos[i] = toTransferDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.Transfers.GetTransfer(r.Context(), tenantStock(r), stock.TransferID(chi.URLParam(r, "transferID")))
	if err != nil {
		h.fail(w, r, "Failed to get transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}

// CompleteTransfer writes the stock movements and moves device mappings.
func (h *Handler) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	res, err := h.Transfers.CompleteTransfer(r.Context(), tenantStock(r), stock.TransferID(chi.URLParam(r, "transferID")))
	if err != nil {
		h.fail(w, r, "Failed to complete transfer", err)
		return
	}
	failures := make([]MappingFailureDTO, len(res.MappingFailures))
	for i, f := range res.MappingFailures {
		failures[i] = MappingFailureDTO{DeviceIdentifier: f.DeviceIdentifier, Error: f.Error()}
	}
	writeJSON(w, http.StatusOK, CompletionDTO{
		Transfer:        toTransferDTO(res.Transfer),
		Movements:       toMovementDTOs(res.Movements),
		MappingFailures: failures,
	})
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.Transfers.CancelTransfer(r.Context(), tenantStock(r), stock.TransferID(chi.URLParam(r, "transferID")))
	if err != nil {
		h.fail(w, r, "Failed to cancel transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}

// ReverseTransfer undoes a completed transfer.
func (h *Handler) ReverseTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.Reversals.ReverseTransfer(r.Context(), tenantStock(r), stock.TransferID(chi.URLParam(r, "transferID")))
	if err != nil {
		h.fail(w, r, "Failed to reverse transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransferDTO(t))
}

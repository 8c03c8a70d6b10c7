/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the REST surface. They keep the domain types of license/
  and stock/ free of wire concerns.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TIMES AND DURATIONS:
  Timestamps are RFC 3339 with nanoseconds, always UTC. Grace periods are Go
  duration strings ("72h").

PARTIAL UPDATES:
  UpdateLicenseTypeRequest uses license.Optional so a field left out of the
  body is not touched. An explicit null is rejected.
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/refurb-engine/license"
	"github.com/warp/refurb-engine/stock"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// LICENSE CATALOG
// =============================================================================

type LicenseTypeDTO struct {
	ID                string          `json:"id"`
	ProductCategory   string          `json:"product_category"`
	TestType          string          `json:"test_type"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Active            bool            `json:"active"`
	RetestGracePeriod string          `json:"retest_grace_period"`
	CreatedAt         string          `json:"created_at,omitempty"`
	UpdatedAt         string          `json:"updated_at,omitempty"`
}

func toLicenseTypeDTO(lt license.LicenseType) LicenseTypeDTO {
	return LicenseTypeDTO{
		ID:                string(lt.ID),
		ProductCategory:   lt.ProductCategory,
		TestType:          lt.TestType,
		UnitPrice:         lt.UnitPrice,
		Active:            lt.Active,
		RetestGracePeriod: lt.RetestGracePeriod.String(),
		CreatedAt:         formatTime(lt.CreatedAt),
		UpdatedAt:         formatTime(lt.UpdatedAt),
	}
}

type CreateLicenseTypeRequest struct {
	ID                string          `json:"id"`
	ProductCategory   string          `json:"product_category"`
	TestType          string          `json:"test_type"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Active            *bool           `json:"active"`
	RetestGracePeriod string          `json:"retest_grace_period"`
}

type UpdateLicenseTypeRequest struct {
	ProductCategory   license.Optional[string]          `json:"product_category"`
	TestType          license.Optional[string]          `json:"test_type"`
	UnitPrice         license.Optional[decimal.Decimal] `json:"unit_price"`
	Active            license.Optional[bool]            `json:"active"`
	RetestGracePeriod license.Optional[string]          `json:"retest_grace_period"`
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	TenantID     string `json:"tenant_id"`
	Name         string `json:"name"`
	BillingModel string `json:"billing_model"`
	CreditLimit  int64  `json:"credit_limit"`
	CreatedAt    string `json:"created_at,omitempty"`
}

func toAccountDTO(a license.Account) AccountDTO {
	return AccountDTO{
		TenantID:     string(a.TenantID),
		Name:         a.Name,
		BillingModel: string(a.BillingModel),
		CreditLimit:  a.CreditLimit,
		CreatedAt:    formatTime(a.CreatedAt),
	}
}

type SaveAccountRequest struct {
	Name         string `json:"name"`
	BillingModel string `json:"billing_model"`
	CreditLimit  int64  `json:"credit_limit"`
}

// =============================================================================
// LEDGER
// =============================================================================

type LedgerEntryDTO struct {
	ID               string `json:"id"`
	LicenseTypeID    string `json:"license_type_id"`
	Amount           int64  `json:"amount"`
	Type             string `json:"type"`
	DeviceIdentifier string `json:"device_identifier,omitempty"`
	Note             string `json:"note,omitempty"`
	CreatedAt        string `json:"created_at"`
}

func toEntryDTO(e license.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:               string(e.ID),
		LicenseTypeID:    string(e.LicenseTypeID),
		Amount:           e.Amount,
		Type:             string(e.Type),
		DeviceIdentifier: e.DeviceIdentifier,
		Note:             e.Note,
		CreatedAt:        formatTime(e.CreatedAt),
	}
}

func toEntryDTOPtr(e *license.LedgerEntry) *LedgerEntryDTO {
	if e == nil {
		return nil
	}
	dto := toEntryDTO(*e)
	return &dto
}

type RetestWindowDTO struct {
	ID               string `json:"id"`
	LicenseTypeID    string `json:"license_type_id"`
	DeviceIdentifier string `json:"device_identifier"`
	EntryID          string `json:"ledger_entry_id"`
	ActivatedAt      string `json:"activated_at"`
	ValidUntil       string `json:"valid_until"`
}

func toWindowDTO(w *license.RetestWindow) *RetestWindowDTO {
	if w == nil {
		return nil
	}
	return &RetestWindowDTO{
		ID:               string(w.ID),
		LicenseTypeID:    string(w.LicenseTypeID),
		DeviceIdentifier: w.DeviceIdentifier,
		EntryID:          string(w.EntryID),
		ActivatedAt:      formatTime(w.ActivatedAt),
		ValidUntil:       formatTime(w.ValidUntil),
	}
}

// AmountRequest is the body of grant, refund and adjust.
type AmountRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

type ConsumeRequest struct {
	DeviceIdentifier string `json:"device_identifier"`
	Amount           int64  `json:"amount"`
}

type ConsumeDTO struct {
	Entry  LedgerEntryDTO   `json:"entry"`
	Window *RetestWindowDTO `json:"retest_window"`
}

type AuthorizeTestRequest struct {
	DeviceIdentifier string `json:"device_identifier"`
}

type AuthorizationDTO struct {
	Covered bool             `json:"covered"`
	Window  *RetestWindowDTO `json:"retest_window"`
	Entry   *LedgerEntryDTO  `json:"entry"`
}

type BalanceDTO struct {
	TenantID      string  `json:"tenant_id"`
	LicenseTypeID string  `json:"license_type_id"`
	Balance       int64   `json:"balance"`
	At            *string `json:"at,omitempty"`
}

type ReconciliationDTO struct {
	LicenseTypeID string `json:"license_type_id"`
	Cached        int64  `json:"cached"`
	Computed      int64  `json:"computed"`
	Drift         int64  `json:"drift"`
	InSync        bool   `json:"in_sync"`
}

func toReconciliationDTO(r license.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		LicenseTypeID: string(r.LicenseTypeID),
		Cached:        r.Cached,
		Computed:      r.Computed,
		Drift:         r.Drift(),
		InSync:        r.InSync(),
	}
}

type HistoryDTO struct {
	Entries []LedgerEntryDTO `json:"entries"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	HasMore bool             `json:"has_more"`
}

// =============================================================================
// STOCK
// =============================================================================

type StockRowDTO struct {
	SKU         string `json:"sku"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int64  `json:"quantity"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

type MovementDTO struct {
	ID               string `json:"id"`
	SKU              string `json:"sku"`
	WarehouseID      string `json:"warehouse_id"`
	Delta            int64  `json:"delta"`
	RefType          string `json:"ref_type"`
	RefID            string `json:"ref_id"`
	DeviceIdentifier string `json:"device_identifier,omitempty"`
	CreatedAt        string `json:"created_at"`
}

func toMovementDTO(m stock.StockMovement) MovementDTO {
	return MovementDTO{
		ID:               string(m.ID),
		SKU:              m.SKU,
		WarehouseID:      string(m.WarehouseID),
		Delta:            m.Delta,
		RefType:          string(m.RefType),
		RefID:            m.RefID,
		DeviceIdentifier: m.DeviceIdentifier,
		CreatedAt:        formatTime(m.CreatedAt),
	}
}

func toMovementDTOs(ms []stock.StockMovement) []MovementDTO {
	out := make([]MovementDTO, len(ms))
	for i, m := range ms {
		out[i] = toMovementDTO(m)
	}
	return out
}

type MappingDTO struct {
	DeviceIdentifier string `json:"device_identifier"`
	SKU              string `json:"sku"`
	WarehouseID      string `json:"warehouse_id"`
	CreatedAt        string `json:"created_at"`
}

func toMappingDTO(m stock.DeviceStockMapping) MappingDTO {
	return MappingDTO{
		DeviceIdentifier: m.DeviceIdentifier,
		SKU:              m.SKU,
		WarehouseID:      string(m.WarehouseID),
		CreatedAt:        formatTime(m.CreatedAt),
	}
}

type StockInRequest struct {
	SKU         string `json:"sku"`
	WarehouseID string `json:"warehouse_id"`
	Reference   string `json:"reference"`
}

type StockOutRequest struct {
	Reference string `json:"reference"`
}

type ReceiveLineRequest struct {
	SKU      string          `json:"sku"`
	UnitCost decimal.Decimal `json:"unit_cost"`
	Quantity int64           `json:"quantity"`
	Devices  []string        `json:"devices"`
}

type ReceivePurchaseRequest struct {
	WarehouseID string               `json:"warehouse_id"`
	Reference   string               `json:"reference"`
	Lines       []ReceiveLineRequest `json:"lines"`
}

type PurchaseDTO struct {
	ID          string `json:"id"`
	WarehouseID string `json:"warehouse_id"`
	Reference   string `json:"reference"`
	CreatedAt   string `json:"created_at"`
}

type PurchaseDeletionDTO struct {
	PurchaseID    string `json:"purchase_id"`
	ReceivedItems int    `json:"received_items"`
	PurchaseItems int    `json:"purchase_items"`
	Movements     int    `json:"movements"`
	Events        int    `json:"events"`
	Mappings      int    `json:"mappings"`
	DryRun        bool   `json:"dry_run"`
	Error         string `json:"error,omitempty"`
}

func toDeletionDTO(s stock.PurchaseDeletionStats) PurchaseDeletionDTO {
	return PurchaseDeletionDTO{
		PurchaseID:    string(s.PurchaseID),
		ReceivedItems: s.ReceivedItems,
		PurchaseItems: s.PurchaseItems,
		Movements:     s.Movements,
		Events:        s.Events,
		Mappings:      s.Mappings,
		DryRun:        s.DryRun,
	}
}

type DeletePurchasesRequest struct {
	PurchaseIDs []string `json:"purchase_ids"`
	DryRun      *bool    `json:"dry_run"`
}

type BatchDeletionDTO struct {
	Items     []PurchaseDeletionDTO `json:"items"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
	Outcome   string                `json:"outcome"`
	DryRun    bool                  `json:"dry_run"`
}

type TransferItemDTO struct {
	SKU              string `json:"sku"`
	DeviceIdentifier string `json:"device_identifier,omitempty"`
	Quantity         int64  `json:"quantity"`
}

type CreateTransferRequest struct {
	SourceWarehouse string            `json:"source_warehouse_id"`
	DestWarehouse   string            `json:"dest_warehouse_id"`
	Items           []TransferItemDTO `json:"items"`
}

type TransferDTO struct {
	ID              string            `json:"id"`
	SourceWarehouse string            `json:"source_warehouse_id"`
	DestWarehouse   string            `json:"dest_warehouse_id"`
	Status          string            `json:"status"`
	Items           []TransferItemDTO `json:"items"`
	CreatedAt       string            `json:"created_at"`
	UpdatedAt       string            `json:"updated_at"`
	CompletedAt     *string           `json:"completed_at,omitempty"`
}

func toTransferDTO(t stock.Transfer) TransferDTO {
	items := make([]TransferItemDTO, len(t.Items))
	for i, it := range t.Items {
		items[i] = TransferItemDTO{SKU: it.SKU, DeviceIdentifier: it.DeviceIdentifier, Quantity: it.Quantity}
	}
	return TransferDTO{
		ID:              string(t.ID),
		SourceWarehouse: string(t.SourceWarehouse),
		DestWarehouse:   string(t.DestWarehouse),
		Status:          string(t.Status),
		Items:           items,
		CreatedAt:       formatTime(t.CreatedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
		CompletedAt:     formatTimePtr(t.CompletedAt),
	}
}

type MappingFailureDTO struct {
	DeviceIdentifier string `json:"device_identifier"`
	Error            string `json:"error"`
}

type CompletionDTO struct {
	Transfer        TransferDTO         `json:"transfer"`
	Movements       []MovementDTO       `json:"movements"`
	MappingFailures []MappingFailureDTO `json:"mapping_failures"`
}

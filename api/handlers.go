/*
handlers.go - HTTP API handlers for the license ledger

PURPOSE:
  Exposes the license ledger over REST. Handles HTTP request/response and
  JSON serialization and delegates to license.Service. Stock handlers live
  in stock_handlers.go.

ENDPOINTS:
  Catalog:
    GET    /api/license-types                       List license types
    POST   /api/license-types                       Create license type
    GET    /api/license-types/{id}                  Get license type
    PATCH  /api/license-types/{id}                  Partial update
    POST   /api/license-types/{id}/deactivate       Soft delete
    DELETE /api/license-types/{id}                  Hard delete (no history only)

  Accounts:
    PUT    /api/tenants/{tenantID}/account          Create or replace
    GET    /api/tenants/{tenantID}/account

  Ledger (under /api/tenants/{tenantID}):
    POST   /licenses/{licenseTypeID}/grant
    POST   /licenses/{licenseTypeID}/consume
    POST   /licenses/{licenseTypeID}/refund
    POST   /licenses/{licenseTypeID}/adjust
    POST   /licenses/{licenseTypeID}/authorize-test
    GET    /licenses/{licenseTypeID}/balance        ?at=RFC3339 for a past balance
    GET    /licenses/{licenseTypeID}/reconcile
    GET    /licenses/{licenseTypeID}/retest-window  ?device=
    GET    /ledger                                  Filtered, paginated history
    GET    /reconcile                               Every license type of the tenant

ERROR HANDLING:
  Errors are returned as JSON with the HTTP status from statusFor:
  - 400: Malformed body or invalid input
  - 404: Unknown tenant, license type, transfer, purchase or device
  - 409: State conflict, duplicate, or lock not obtained
  - 422: Business-rule rejection (insufficient balance, inactive type,
         device not in source warehouse)
  - 500: Internal errors, logged with config.LogError

SECURITY NOTE:
  No authentication. Tenant scoping comes from the URL only.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/refurb-engine/config"
	"github.com/warp/refurb-engine/license"
	"github.com/warp/refurb-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Licenses  *license.Service
	Intake    *stock.Intake
	Transfers *stock.TransferEngine
	Reversals *stock.ReversalEngine
	Logger    logrus.FieldLogger
}

// NewHandler creates a handler over the engines.
func NewHandler(licenses *license.Service, intake *stock.Intake, transfers *stock.TransferEngine, reversals *stock.ReversalEngine, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Licenses:  licenses,
		Intake:    intake,
		Transfers: transfers,
		Reversals: reversals,
		Logger:    logger,
	}
}

func tenantLicense(r *http.Request) license.TenantID {
	return license.TenantID(chi.URLParam(r, "tenantID"))
}

func licenseTypeParam(r *http.Request) license.LicenseTypeID {
	return license.LicenseTypeID(chi.URLParam(r, "licenseTypeID"))
}

// =============================================================================
// LICENSE TYPE HANDLERS
// =============================================================================

// ListLicenseTypes returns the catalog.
func (h *Handler) ListLicenseTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Licenses.ListLicenseTypes(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list license types", err)
		return
	}
	dtos := make([]LicenseTypeDTO, len(types))
	for i, lt := range types {
		dtos[i] = toLicenseTypeDTO(lt)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateLicenseType adds a type to the catalog.
// POST /api/license-types
func (h *Handler) CreateLicenseType(w http.ResponseWriter, r *http.Request) {
	var req CreateLicenseTypeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	grace, err := parseGrace(req.RetestGracePeriod)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid retest_grace_period", err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	lt, err := h.Licenses.CreateLicenseType(r.Context(), license.LicenseType{
		ID:                license.LicenseTypeID(req.ID),
		ProductCategory:   req.ProductCategory,
		TestType:          req.TestType,
		UnitPrice:         req.UnitPrice,
		Active:            active,
		RetestGracePeriod: grace,
	})
	if err != nil {
		h.fail(w, r, "Failed to create license type", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLicenseTypeDTO(lt))
}

func (h *Handler) GetLicenseType(w http.ResponseWriter, r *http.Request) {
	lt, err := h.Licenses.GetLicenseType(r.Context(), license.LicenseTypeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to get license type", err)
		return
	}
	writeJSON(w, http.StatusOK, toLicenseTypeDTO(lt))
}

// UpdateLicenseType applies a partial update. Fields absent from the body
// are left as they are.
// PATCH /api/license-types/{id}
func (h *Handler) UpdateLicenseType(w http.ResponseWriter, r *http.Request) {
	var req UpdateLicenseTypeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	patch := license.LicenseTypePatch{
		ProductCategory: req.ProductCategory,
		TestType:        req.TestType,
		UnitPrice:       req.UnitPrice,
		Active:          req.Active,
	}
	if s, ok := req.RetestGracePeriod.Get(); ok {
		grace, err := parseGrace(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid retest_grace_period", err)
			return
		}
		patch.RetestGracePeriod = license.Some(grace)
	}

	lt, err := h.Licenses.UpdateLicenseType(r.Context(), license.LicenseTypeID(chi.URLParam(r, "id")), patch)
	if err != nil {
		h.fail(w, r, "Failed to update license type", err)
		return
	}
	writeJSON(w, http.StatusOK, toLicenseTypeDTO(lt))
}

func (h *Handler) DeactivateLicenseType(w http.ResponseWriter, r *http.Request) {
	lt, err := h.Licenses.DeactivateLicenseType(r.Context(), license.LicenseTypeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to deactivate license type", err)
		return
	}
	writeJSON(w, http.StatusOK, toLicenseTypeDTO(lt))
}

// DeleteLicenseType only succeeds for a type no ledger entry references.
func (h *Handler) DeleteLicenseType(w http.ResponseWriter, r *http.Request) {
	if err := h.Licenses.DeleteLicenseType(r.Context(), license.LicenseTypeID(chi.URLParam(r, "id"))); err != nil {
		h.fail(w, r, "Failed to delete license type", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func (h *Handler) SaveAccount(w http.ResponseWriter, r *http.Request) {
	var req SaveAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.Licenses.SaveAccount(r.Context(), license.Account{
		TenantID:     tenantLicense(r),
		Name:         req.Name,
		BillingModel: license.BillingModel(req.BillingModel),
		CreditLimit:  req.CreditLimit,
	})
	if err != nil {
		h.fail(w, r, "Failed to save account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.Licenses.GetAccount(r.Context(), tenantLicense(r))
	if err != nil {
		h.fail(w, r, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// Grant adds purchased licenses.
// POST /api/tenants/{tenantID}/licenses/{licenseTypeID}/grant
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := h.Licenses.Grant(r.Context(), tenantLicense(r), licenseTypeParam(r), req.Amount, req.Note)
	if err != nil {
		h.fail(w, r, "Failed to grant licenses", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(e))
}

// Consume uses licenses for a device test.
// POST /api/tenants/{tenantID}/licenses/{licenseTypeID}/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	res, err := h.Licenses.Consume(r.Context(), tenantLicense(r), licenseTypeParam(r), req.DeviceIdentifier, req.Amount)
	if err != nil {
		h.fail(w, r, "Consume rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, ConsumeDTO{Entry: toEntryDTO(res.Entry), Window: toWindowDTO(res.Window)})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := h.Licenses.Refund(r.Context(), tenantLicense(r), licenseTypeParam(r), req.Amount, req.Note)
	if err != nil {
		h.fail(w, r, "Failed to refund licenses", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(e))
}

// Adjust is an admin correction; amount is signed.
func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	e, err := h.Licenses.Adjust(r.Context(), tenantLicense(r), licenseTypeParam(r), req.Amount, req.Note)
	if err != nil {
		h.fail(w, r, "Failed to adjust balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(e))
}

// AuthorizeTest answers whether a device may be tested, consuming a
// license when no retest window covers it.
func (h *Handler) AuthorizeTest(w http.ResponseWriter, r *http.Request) {
	var req AuthorizeTestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	auth, err := h.Licenses.AuthorizeTest(r.Context(), tenantLicense(r), licenseTypeParam(r), req.DeviceIdentifier)
	if err != nil {
		h.fail(w, r, "Test not authorized", err)
		return
	}
	writeJSON(w, http.StatusOK, AuthorizationDTO{
		Covered: auth.Covered,
		Window:  toWindowDTO(auth.Window),
		Entry:   toEntryDTOPtr(auth.Entry),
	})
}

// GetBalance returns the cached balance, or the balance at ?at= when given.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ltID := tenantLicense(r), licenseTypeParam(r)
	dto := BalanceDTO{TenantID: string(tenantID), LicenseTypeID: string(ltID)}

	var err error
	if raw := r.URL.Query().Get("at"); raw != "" {
		at, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid at (use RFC 3339)", perr)
			return
		}
		dto.Balance, err = h.Licenses.BalanceAt(ctx, tenantID, ltID, at)
		dto.At = formatTimePtr(&at)
	} else {
		dto.Balance, err = h.Licenses.Balance(ctx, tenantID, ltID)
	}
	if err != nil {
		h.fail(w, r, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Licenses.Reconcile(r.Context(), tenantLicense(r), licenseTypeParam(r))
	if err != nil {
		h.fail(w, r, "Failed to reconcile balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

func (h *Handler) ReconcileTenant(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Licenses.ReconcileTenant(r.Context(), tenantLicense(r))
	if err != nil {
		h.fail(w, r, "Failed to reconcile tenant", err)
		return
	}
	dtos := make([]ReconciliationDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toReconciliationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRetestWindow returns the active window for ?device=, or 404.
func (h *Handler) GetRetestWindow(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if device == "" {
		writeError(w, http.StatusBadRequest, "device query parameter is required", nil)
		return
	}
	win, err := h.Licenses.ActiveRetestWindow(r.Context(), tenantLicense(r), device, licenseTypeParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get retest window", err)
		return
	}
	if win == nil {
		writeError(w, http.StatusNotFound, "No active retest window", nil)
		return
	}
	writeJSON(w, http.StatusOK, toWindowDTO(win))
}

// GetLedger returns ledger history, newest first.
// GET /api/tenants/{tenantID}/ledger?license_type_id=&type=consume,refund&device=&from=&to=&limit=&offset=
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid history query", err)
		return
	}
	res, err := h.Licenses.History(r.Context(), tenantLicense(r), filter, page)
	if err != nil {
		h.fail(w, r, "Failed to get ledger history", err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(res.Entries))
	for i, e := range res.Entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, HistoryDTO{
		Entries: dtos,
		Total:   res.Total,
		Limit:   res.Limit,
		Offset:  res.Offset,
		HasMore: res.HasMore(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseHistoryQuery(r *http.Request) (license.HistoryFilter, license.Page, error) {
	q := r.URL.Query()
	var filter license.HistoryFilter

	if v := q.Get("license_type_id"); v != "" {
		id := license.LicenseTypeID(v)
		filter.LicenseTypeID = &id
	}
	if v := q.Get("device"); v != "" {
		filter.DeviceIdentifier = &v
	}
	if v := q.Get("type"); v != "" {
		for _, part := range strings.Split(v, ",") {
			t := license.TransactionType(strings.TrimSpace(part))
			if !t.Valid() {
				return filter, license.Page{}, fmt.Errorf("unknown transaction type %q", t)
			}
			filter.Types = append(filter.Types, t)
		}
	}
	for _, p := range []struct {
		key    string
		target **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return filter, license.Page{}, fmt.Errorf("%s: %w", p.key, err)
		}
		*p.target = &t
	}

	var page license.Page
	var err error
	if page.Limit, err = intQuery(q.Get("limit")); err != nil {
		return filter, license.Page{}, fmt.Errorf("limit: %w", err)
	}
	if page.Offset, err = intQuery(q.Get("offset")); err != nil {
		return filter, license.Page{}, fmt.Errorf("offset: %w", err)
	}
	return filter, page, nil
}

func intQuery(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func parseGrace(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// decodeBody writes a 400 and returns false when the body is not valid JSON
// for v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// statusFor maps the engines' error kinds onto HTTP status codes.
func statusFor(err error) int {
	var invalidType *license.InvalidLicenseTypeError
	switch {
	case errors.As(err, &invalidType) && invalidType.Reason == "unknown":
		return http.StatusNotFound
	case license.IsNotFound(err), stock.IsNotFound(err):
		return http.StatusNotFound
	case license.IsRetryable(err), stock.IsRetryable(err):
		return http.StatusConflict
	case stock.IsConflict(err),
		errors.Is(err, license.ErrLicenseTypeExists),
		errors.Is(err, license.ErrLicenseTypeInUse):
		return http.StatusConflict
	case errors.Is(err, license.ErrInsufficientBalance),
		errors.Is(err, license.ErrBalanceOutOfRange),
		errors.Is(err, license.ErrInvalidLicenseType),
		errors.Is(err, stock.ErrDeviceNotInSourceWarehouse):
		return http.StatusUnprocessableEntity
	case license.IsClientError(err), stock.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Server errors are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		config.LogError(h.Logger, "api", r.Method+" "+r.URL.Path, message, nil, err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

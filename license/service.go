/*
service.go - License Ledger Service

PURPOSE:
  Public operations on the license ledger. Each enforces its invariants
  and then appends through appendEntry inside one transaction.

OPERATIONS:
  Grant(tenant, type, amount, note)          +amount, type must be active
  Consume(tenant, type, device, amount)      -amount, balance check, may open a window
  Refund(tenant, type, amount, reason)       +amount, never reopens a window
  Adjust(tenant, type, signed, reason)       admin correction, no balance check
  AuthorizeTest(tenant, type, device)        covered by active window, or consume 1
  Balance / BalanceAt / Reconcile            derived balances
  ActiveRetestWindow / RetestHistory         derived windows
  History(tenant, filter, page)              newest first

CONCURRENCY:
  Consume and AuthorizeTest hold the keyed lock
  "license:{tenant}:{type}" around the transaction, and the transaction
  takes the store's row guard on the balance row (LockBalance). Two
  consumes can therefore never both pass the balance check on the same
  balance.

ATOMICITY:
  The entry, the cached balance move and the retest window are written in
  one WithTx call. Any failure rolls all three back.
*/
package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/refurb-engine/lock"
	"github.com/warp/refurb-engine/metrics"
)

// ServiceConfig carries optional collaborators. Zero values get defaults.
type ServiceConfig struct {
	Locker  lock.Locker
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Service is safe for concurrent use.
type Service struct {
	store   Store
	locker  lock.Locker
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	clock   func() time.Time
}

func NewService(store Store, cfg ServiceConfig) *Service {
	s := &Service{
		store:   store,
		locker:  cfg.Locker,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// =============================================================================
// WRITES
// =============================================================================

// Grant appends a positive entry. Fails with ErrInvalidLicenseType when the
// type is unknown or inactive.
func (s *Service) Grant(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, amount int64, note string) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: grant amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if err := checkAmount("grant", amount); err != nil {
		return LedgerEntry{}, err
	}

	var entry LedgerEntry
	err := s.store.WithTx(ctx, func(w Writer) error {
		if _, err := requireAccount(ctx, w, tenantID); err != nil {
			return err
		}
		if _, err := requireLicenseType(ctx, w, licenseTypeID, true); err != nil {
			return err
		}
		var err error
		entry, err = appendEntry(ctx, w, LedgerEntry{
			TenantID:      tenantID,
			LicenseTypeID: licenseTypeID,
			Amount:        amount,
			Type:          TxGrant,
			Note:          note,
			CreatedAt:     s.now(),
		})
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}

	s.metrics.RecordLedgerEntry(string(TxGrant))
	s.logger.WithFields(logrus.Fields{
		"module":          "license",
		"tenant_id":       tenantID,
		"license_type_id": licenseTypeID,
		"amount":          amount,
	}).Info("licenses granted")
	return entry, nil
}

// ConsumeResult is the entry a consume wrote and the window it opened, if any.
type ConsumeResult struct {
	Entry  LedgerEntry
	Window *RetestWindow
}

// Consume appends a negative entry of size amount after checking the
// balance against the account floor. If the type grants retest windows and
// a device is given, the window is created in the same transaction.
func (s *Service) Consume(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, deviceIdentifier string, amount int64) (ConsumeResult, error) {
	if amount <= 0 {
		return ConsumeResult{}, fmt.Errorf("%w: consume amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if err := checkAmount("consume", amount); err != nil {
		return ConsumeResult{}, err
	}

	release, err := s.lockBalance(ctx, tenantID, licenseTypeID)
	if err != nil {
		return ConsumeResult{}, err
	}
	defer release()

	var result ConsumeResult
	err = s.store.WithTx(ctx, func(w Writer) error {
		account, err := requireAccount(ctx, w, tenantID)
		if err != nil {
			return err
		}
		lt, err := requireLicenseType(ctx, w, licenseTypeID, true)
		if err != nil {
			return err
		}
		result, err = s.consumeTx(ctx, w, *account, *lt, deviceIdentifier, amount)
		return err
	})
	if err != nil {
		s.recordConsumeFailure(err, tenantID, licenseTypeID, deviceIdentifier, amount)
		return ConsumeResult{}, err
	}

	s.metrics.RecordLedgerEntry(string(TxConsume))
	return result, nil
}

// consumeTx runs the balance check and the writes. Caller holds the keyed lock.
func (s *Service) consumeTx(ctx context.Context, w Writer, account Account, lt LicenseType, deviceIdentifier string, amount int64) (ConsumeResult, error) {
	balance, err := w.LockBalance(ctx, account.TenantID, lt.ID)
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("lock balance: %w", err)
	}
	if err := CheckConsume(account, lt.ID, balance, amount); err != nil {
		return ConsumeResult{}, err
	}

	entry, err := appendEntry(ctx, w, LedgerEntry{
		TenantID:         account.TenantID,
		LicenseTypeID:    lt.ID,
		Amount:           -amount,
		Type:             TxConsume,
		DeviceIdentifier: deviceIdentifier,
		CreatedAt:        s.now(),
	})
	if err != nil {
		return ConsumeResult{}, err
	}

	result := ConsumeResult{Entry: entry}
	if window, ok := NewWindow(entry, lt); ok {
		inserted, err := w.InsertRetestWindow(ctx, window)
		if err != nil {
			return ConsumeResult{}, fmt.Errorf("insert retest window: %w", err)
		}
		result.Window = &inserted
	}
	return result, nil
}

// Refund appends a positive refund entry. Inactive types may be refunded;
// unknown ones may not. Expired windows stay expired.
func (s *Service) Refund(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, amount int64, reason string) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: refund amount must be positive, got %d", ErrInvalidAmount, amount)
	}
	if err := checkAmount("refund", amount); err != nil {
		return LedgerEntry{}, err
	}
	return s.appendSimple(ctx, tenantID, licenseTypeID, amount, TxRefund, reason)
}

// Adjust appends a signed admin correction. No balance check is applied.
func (s *Service) Adjust(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, amount int64, reason string) (LedgerEntry, error) {
	if amount == 0 {
		return LedgerEntry{}, fmt.Errorf("%w: adjustment must be non-zero", ErrInvalidAmount)
	}
	if err := checkAmount("adjustment", amount); err != nil {
		return LedgerEntry{}, err
	}
	return s.appendSimple(ctx, tenantID, licenseTypeID, amount, TxAdjustment, reason)
}

func (s *Service) appendSimple(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, amount int64, txType TransactionType, note string) (LedgerEntry, error) {
	var entry LedgerEntry
	err := s.store.WithTx(ctx, func(w Writer) error {
		if _, err := requireAccount(ctx, w, tenantID); err != nil {
			return err
		}
		if _, err := requireLicenseType(ctx, w, licenseTypeID, false); err != nil {
			return err
		}
		var err error
		entry, err = appendEntry(ctx, w, LedgerEntry{
			TenantID:      tenantID,
			LicenseTypeID: licenseTypeID,
			Amount:        amount,
			Type:          txType,
			Note:          note,
			CreatedAt:     s.now(),
		})
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	s.metrics.RecordLedgerEntry(string(txType))
	return entry, nil
}

// TestAuthorization is the outcome of AuthorizeTest.
type TestAuthorization struct {
	// Covered is true when an existing window paid for this test.
	Covered bool
	Window  *RetestWindow

	// Entry is set when a license was consumed.
	Entry *LedgerEntry
}

// AuthorizeTest is the status check the diagnostics pipeline runs before a
// test: a device inside an active retest window is covered for free,
// otherwise one license is consumed (possibly opening a new window).
func (s *Service) AuthorizeTest(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, deviceIdentifier string) (TestAuthorization, error) {
	if deviceIdentifier == "" {
		return TestAuthorization{}, ErrDeviceRequired
	}

	release, err := s.lockBalance(ctx, tenantID, licenseTypeID)
	if err != nil {
		return TestAuthorization{}, err
	}
	defer release()

	var auth TestAuthorization
	err = s.store.WithTx(ctx, func(w Writer) error {
		account, err := requireAccount(ctx, w, tenantID)
		if err != nil {
			return err
		}
		lt, err := requireLicenseType(ctx, w, licenseTypeID, true)
		if err != nil {
			return err
		}

		window, err := RetestTracker{Reader: w}.Active(ctx, tenantID, deviceIdentifier, licenseTypeID, s.now())
		if err != nil {
			return err
		}
		if window != nil {
			auth = TestAuthorization{Covered: true, Window: window}
			return nil
		}

		result, err := s.consumeTx(ctx, w, *account, *lt, deviceIdentifier, 1)
		if err != nil {
			return err
		}
		auth = TestAuthorization{Entry: &result.Entry, Window: result.Window}
		return nil
	})
	if err != nil {
		s.recordConsumeFailure(err, tenantID, licenseTypeID, deviceIdentifier, 1)
		return TestAuthorization{}, err
	}

	if auth.Covered {
		s.metrics.RecordRetestCovered()
	} else {
		s.metrics.RecordLedgerEntry(string(TxConsume))
	}
	return auth, nil
}

func (s *Service) lockBalance(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID) (func(), error) {
	release, err := s.locker.Acquire(ctx, fmt.Sprintf("license:%s:%s", tenantID, licenseTypeID))
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %v", ErrLockNotObtained, err)
		}
		return nil, err
	}
	return release, nil
}

func (s *Service) recordConsumeFailure(err error, tenantID TenantID, licenseTypeID LicenseTypeID, deviceIdentifier string, amount int64) {
	fields := logrus.Fields{
		"module":          "license",
		"tenant_id":       tenantID,
		"license_type_id": licenseTypeID,
		"device":          deviceIdentifier,
		"amount":          amount,
	}
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		s.metrics.RecordConsumeRejected("insufficient_balance")
		s.logger.WithFields(fields).Info("consume rejected: " + err.Error())
	case errors.Is(err, ErrInvalidLicenseType):
		s.metrics.RecordConsumeRejected("invalid_license_type")
	case errors.Is(err, ErrTenantNotFound):
		s.metrics.RecordConsumeRejected("tenant_not_found")
	default:
		s.logger.WithFields(fields).Error("consume failed: " + err.Error())
	}
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the current balance from the cached counter.
func (s *Service) Balance(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID) (int64, error) {
	return BalanceCalculator{Reader: s.store}.Current(ctx, tenantID, licenseTypeID)
}

// BalanceAt returns the balance as of at.
func (s *Service) BalanceAt(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID, at time.Time) (int64, error) {
	return BalanceCalculator{Reader: s.store}.At(ctx, tenantID, licenseTypeID, at.UTC())
}

// Reconcile compares cached and recomputed balance for one pair.
func (s *Service) Reconcile(ctx context.Context, tenantID TenantID, licenseTypeID LicenseTypeID) (Reconciliation, error) {
	rec, err := BalanceCalculator{Reader: s.store}.Reconcile(ctx, tenantID, licenseTypeID)
	if err != nil {
		return Reconciliation{}, err
	}
	s.reportDrift(rec)
	return rec, nil
}

// ReconcileTenant reconciles every license type the tenant has a balance row for.
func (s *Service) ReconcileTenant(ctx context.Context, tenantID TenantID) ([]Reconciliation, error) {
	rows, err := s.store.ListBalances(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Reconciliation, 0, len(rows))
	for _, row := range rows {
		rec, err := s.Reconcile(ctx, tenantID, row.LicenseTypeID)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Service) reportDrift(rec Reconciliation) {
	if rec.InSync() {
		return
	}
	s.metrics.RecordBalanceDrift()
	s.logger.WithFields(logrus.Fields{
		"module":          "license",
		"tenant_id":       rec.TenantID,
		"license_type_id": rec.LicenseTypeID,
		"cached":          rec.Cached,
		"computed":        rec.Computed,
	}).Warn("cached balance drifted from ledger")
}

// ActiveRetestWindow returns the window covering now, or nil. When several
// cover now, the latest valid_until wins, not the most recently created one.
func (s *Service) ActiveRetestWindow(ctx context.Context, tenantID TenantID, deviceIdentifier string, licenseTypeID LicenseTypeID) (*RetestWindow, error) {
	return RetestTracker{Reader: s.store}.Active(ctx, tenantID, deviceIdentifier, licenseTypeID, s.now())
}

// RetestHistory returns all windows ever opened for the device/type.
func (s *Service) RetestHistory(ctx context.Context, tenantID TenantID, deviceIdentifier string, licenseTypeID LicenseTypeID) ([]RetestWindow, error) {
	return RetestTracker{Reader: s.store}.History(ctx, tenantID, deviceIdentifier, licenseTypeID)
}

// History returns a page of entries, newest first.
func (s *Service) History(ctx context.Context, tenantID TenantID, filter HistoryFilter, page Page) (HistoryPage, error) {
	page = page.Normalize()
	entries, total, err := s.store.ListEntries(ctx, tenantID, filter, page)
	if err != nil {
		return HistoryPage{}, err
	}
	if entries == nil {
		entries = []LedgerEntry{}
	}
	return HistoryPage{Entries: entries, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// =============================================================================
// CATALOG / ACCOUNTS
// =============================================================================

// CreateLicenseType stores a new type. An empty ID gets a generated one.
func (s *Service) CreateLicenseType(ctx context.Context, lt LicenseType) (LicenseType, error) {
	if lt.ID == "" {
		lt.ID = LicenseTypeID(uuid.NewString())
	}
	if lt.RetestGracePeriod < 0 {
		return LicenseType{}, fmt.Errorf("%w: retest grace period must not be negative", ErrInvalidAmount)
	}
	now := s.now()
	lt.CreatedAt, lt.UpdatedAt = now, now

	err := s.store.WithTx(ctx, func(w Writer) error {
		existing, err := w.GetLicenseType(ctx, lt.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrLicenseTypeExists, lt.ID)
		}
		return w.InsertLicenseType(ctx, lt)
	})
	if err != nil {
		return LicenseType{}, err
	}
	return lt, nil
}

// UpdateLicenseType applies the present fields of patch.
func (s *Service) UpdateLicenseType(ctx context.Context, id LicenseTypeID, patch LicenseTypePatch) (LicenseType, error) {
	if patch.IsEmpty() {
		return LicenseType{}, ErrEmptyPatch
	}
	if d, ok := patch.RetestGracePeriod.Get(); ok && d < 0 {
		return LicenseType{}, fmt.Errorf("%w: retest grace period must not be negative", ErrInvalidAmount)
	}

	var updated LicenseType
	err := s.store.WithTx(ctx, func(w Writer) error {
		current, err := requireLicenseType(ctx, w, id, false)
		if err != nil {
			return err
		}
		updated = patch.Apply(*current)
		updated.UpdatedAt = s.now()
		return w.UpdateLicenseType(ctx, updated)
	})
	if err != nil {
		return LicenseType{}, err
	}
	return updated, nil
}

// DeactivateLicenseType is the soft delete; history stays valid.
func (s *Service) DeactivateLicenseType(ctx context.Context, id LicenseTypeID) (LicenseType, error) {
	return s.UpdateLicenseType(ctx, id, LicenseTypePatch{Active: Some(false)})
}

// DeleteLicenseType hard-deletes a type that no entry references.
func (s *Service) DeleteLicenseType(ctx context.Context, id LicenseTypeID) error {
	return s.store.WithTx(ctx, func(w Writer) error {
		if _, err := requireLicenseType(ctx, w, id, false); err != nil {
			return err
		}
		n, err := w.CountEntries(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s has %d entries, deactivate it instead", ErrLicenseTypeInUse, id, n)
		}
		return w.DeleteLicenseType(ctx, id)
	})
}

func (s *Service) GetLicenseType(ctx context.Context, id LicenseTypeID) (LicenseType, error) {
	lt, err := requireLicenseType(ctx, s.store, id, false)
	if err != nil {
		return LicenseType{}, err
	}
	return *lt, nil
}

func (s *Service) ListLicenseTypes(ctx context.Context) ([]LicenseType, error) {
	return s.store.ListLicenseTypes(ctx)
}

// SaveAccount creates or replaces the tenant's licensing account.
func (s *Service) SaveAccount(ctx context.Context, a Account) (Account, error) {
	if a.TenantID == "" {
		return Account{}, fmt.Errorf("%w: tenant id is required", ErrInvalidAccount)
	}
	if a.BillingModel == "" {
		a.BillingModel = BillingPrepaid
	}
	if a.BillingModel != BillingPrepaid && a.BillingModel != BillingPostpaid {
		return Account{}, fmt.Errorf("%w: unknown billing model %q", ErrInvalidAccount, a.BillingModel)
	}
	if a.CreditLimit < 0 {
		return Account{}, fmt.Errorf("%w: credit limit must not be negative", ErrInvalidAccount)
	}
	if a.CreditLimit > MaxBalance {
		return Account{}, fmt.Errorf("%w: credit limit %d exceeds %d", ErrInvalidAccount, a.CreditLimit, MaxBalance)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if err := s.store.WithTx(ctx, func(w Writer) error { return w.SaveAccount(ctx, a) }); err != nil {
		return Account{}, err
	}
	return a, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.store.ListAccounts(ctx)
}

func (s *Service) GetAccount(ctx context.Context, tenantID TenantID) (Account, error) {
	a, err := requireAccount(ctx, s.store, tenantID)
	if err != nil {
		return Account{}, err
	}
	return *a, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func requireAccount(ctx context.Context, r Reader, tenantID TenantID) (*Account, error) {
	a, err := r.GetAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return a, nil
}

func requireLicenseType(ctx context.Context, r Reader, id LicenseTypeID, mustBeActive bool) (*LicenseType, error) {
	lt, err := r.GetLicenseType(ctx, id)
	if err != nil {
		return nil, err
	}
	if lt == nil {
		return nil, &InvalidLicenseTypeError{LicenseTypeID: id, Reason: "unknown"}
	}
	if mustBeActive && !lt.Active {
		return nil, &InvalidLicenseTypeError{LicenseTypeID: id, Reason: "inactive"}
	}
	return lt, nil
}

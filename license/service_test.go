package license_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/refurb-engine/license"
	"github.com/warp/refurb-engine/license/store"
	"github.com/warp/refurb-engine/lock"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *license.Service
	mem   *store.Memory
	clock *fakeClock
	logs  *test.Hook
}

const (
	tenant   license.TenantID      = "tenant-a"
	iphone   license.LicenseTypeID = "iphone-diagnostic"
	noRetest license.LicenseTypeID = "android-erasure"
)

func newFixture(t *testing.T, billing license.BillingModel, creditLimit int64) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	clock := newFakeClock()
	mem := store.NewMemory()
	svc := license.NewService(mem, license.ServiceConfig{
		Locker: lock.NewKeyedMutex(),
		Logger: logger,
		Clock:  clock.Now,
	})

	ctx := context.Background()
	_, err := svc.SaveAccount(ctx, license.Account{TenantID: tenant, Name: "Refurb A", BillingModel: billing, CreditLimit: creditLimit})
	require.NoError(t, err)
	_, err = svc.CreateLicenseType(ctx, license.LicenseType{
		ID: iphone, ProductCategory: "iPhone", TestType: "Diagnostic",
		UnitPrice: decimal.RequireFromString("1.50"), Active: true,
		RetestGracePeriod: 72 * time.Hour,
	})
	require.NoError(t, err)
	_, err = svc.CreateLicenseType(ctx, license.LicenseType{
		ID: noRetest, ProductCategory: "Android", TestType: "Erasure",
		UnitPrice: decimal.RequireFromString("0.80"), Active: true,
	})
	require.NoError(t, err)

	return &fixture{svc: svc, mem: mem, clock: clock, logs: hook}
}

func (f *fixture) grant(t *testing.T, lt license.LicenseTypeID, n int64) {
	t.Helper()
	_, err := f.svc.Grant(context.Background(), tenant, lt, n, "purchase")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, lt license.LicenseTypeID) int64 {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), tenant, lt)
	require.NoError(t, err)
	return b
}

func (f *fixture) allEntries(t *testing.T) []license.LedgerEntry {
	t.Helper()
	page, err := f.svc.History(context.Background(), tenant, license.HistoryFilter{}, license.Page{Limit: license.MaxPageSize})
	require.NoError(t, err)
	return page.Entries
}

// =============================================================================
// GRANT / CONSUME
// =============================================================================

func TestConsume_ReducesBalanceAndRejectsOverdraft(t *testing.T) {
	// GIVEN: a prepaid tenant with 5 licenses
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, noRetest, 5)

	// WHEN: consuming 2
	_, err := f.svc.Consume(ctx, tenant, noRetest, "IMEI-1", 2)
	require.NoError(t, err)

	// THEN: balance is 3
	assert.Equal(t, int64(3), f.balance(t, noRetest))

	// WHEN: consuming 10
	_, err = f.svc.Consume(ctx, tenant, noRetest, "IMEI-2", 10)

	// THEN: rejected, balance unchanged, nothing appended
	var insufficient *license.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, errors.Is(err, license.ErrInsufficientBalance))
	assert.Equal(t, int64(3), insufficient.Balance)
	assert.Equal(t, int64(7), insufficient.Shortfall())
	assert.Equal(t, int64(3), f.balance(t, noRetest))
	assert.Len(t, f.allEntries(t), 2)
}

func TestConsume_ExactBalanceAllowed(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	f.grant(t, noRetest, 2)

	_, err := f.svc.Consume(context.Background(), tenant, noRetest, "IMEI-1", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, noRetest))
}

func TestConsume_RejectedConsumeOpensNoWindow(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)

	_, err := f.svc.Consume(context.Background(), tenant, iphone, "IMEI-1", 1)
	require.ErrorIs(t, err, license.ErrInsufficientBalance)

	windows, err := f.svc.RetestHistory(context.Background(), tenant, "IMEI-1", iphone)
	require.NoError(t, err)
	assert.Empty(t, windows)
	assert.Empty(t, f.allEntries(t))
}

func TestConsume_PostpaidMayGoNegativeToCreditLimit(t *testing.T) {
	// GIVEN: a postpaid tenant with credit limit 3 and no grants
	f := newFixture(t, license.BillingPostpaid, 3)
	ctx := context.Background()

	// WHEN: consuming down to -3
	_, err := f.svc.Consume(ctx, tenant, noRetest, "IMEI-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), f.balance(t, noRetest))

	// THEN: one more is refused
	_, err = f.svc.Consume(ctx, tenant, noRetest, "IMEI-2", 1)
	var insufficient *license.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(-3), insufficient.Floor)
	assert.Equal(t, int64(-3), f.balance(t, noRetest))
}

func TestConsume_HugeAmountOnNegativeBalanceRejected(t *testing.T) {
	// GIVEN: a postpaid tenant with credit 10, already at -5
	f := newFixture(t, license.BillingPostpaid, 10)
	ctx := context.Background()
	_, err := f.svc.Consume(ctx, tenant, noRetest, "IMEI-1", 5)
	require.NoError(t, err)

	// WHEN: consuming an amount that would wrap int64
	_, err = f.svc.Consume(ctx, tenant, noRetest, "IMEI-2", math.MaxInt64)

	// THEN: rejected and the balance is untouched
	assert.ErrorIs(t, err, license.ErrInvalidAmount)
	assert.Equal(t, int64(-5), f.balance(t, noRetest))
	assert.Len(t, f.allEntries(t), 1)
}

func TestCheckConsume_DoesNotWrap(t *testing.T) {
	postpaid := license.Account{TenantID: tenant, BillingModel: license.BillingPostpaid, CreditLimit: 10}

	err := license.CheckConsume(postpaid, noRetest, -5, math.MaxInt64)
	var insufficient *license.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, math.MaxInt64-int64(5), insufficient.Shortfall())

	assert.NoError(t, license.CheckConsume(postpaid, noRetest, -5, 5))
	assert.Error(t, license.CheckConsume(postpaid, noRetest, -5, 6))

	unlimited := license.Account{TenantID: tenant, BillingModel: license.BillingPostpaid, CreditLimit: math.MaxInt64}
	assert.NoError(t, license.CheckConsume(unlimited, noRetest, 10, math.MaxInt64))
}

func TestLedger_AmountLimits(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, noRetest, license.MaxAmount)

	_, err := f.svc.Grant(ctx, tenant, noRetest, license.MaxAmount+1, "")
	assert.ErrorIs(t, err, license.ErrInvalidAmount)
	_, err = f.svc.Refund(ctx, tenant, noRetest, math.MaxInt64, "")
	assert.ErrorIs(t, err, license.ErrInvalidAmount)
	_, err = f.svc.Adjust(ctx, tenant, noRetest, math.MinInt64, "")
	assert.ErrorIs(t, err, license.ErrInvalidAmount)
	_, err = f.svc.Adjust(ctx, tenant, noRetest, -license.MaxAmount-1, "")
	assert.ErrorIs(t, err, license.ErrInvalidAmount)

	assert.Equal(t, license.MaxAmount, f.balance(t, noRetest))
	assert.Len(t, f.allEntries(t), 1)
}

func TestLedger_CachedBalanceStaysInRange(t *testing.T) {
	// GIVEN: a cached balance already at the ceiling
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.mem.CorruptBalance(tenant, noRetest, license.MaxBalance)

	// WHEN: granting one more
	_, err := f.svc.Grant(ctx, tenant, noRetest, 1, "")

	// THEN: refused and nothing is appended
	assert.ErrorIs(t, err, license.ErrBalanceOutOfRange)
	assert.True(t, license.IsClientError(err))
	assert.Empty(t, f.allEntries(t))

	// an adjustment back toward zero is still fine
	_, err = f.svc.Adjust(ctx, tenant, noRetest, -1, "correction")
	assert.NoError(t, err)
}

func TestGrant_Validation(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()

	_, err := f.svc.Grant(ctx, tenant, iphone, 0, "")
	assert.ErrorIs(t, err, license.ErrInvalidAmount)

	_, err = f.svc.Grant(ctx, tenant, "nope", 1, "")
	var invalid *license.InvalidLicenseTypeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "unknown", invalid.Reason)

	_, err = f.svc.Grant(ctx, "ghost", iphone, 1, "")
	assert.ErrorIs(t, err, license.ErrTenantNotFound)
	assert.True(t, license.IsNotFound(err))
}

func TestConsume_InactiveTypeRejectedButRefundAllowed(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, noRetest, 3)

	_, err := f.svc.DeactivateLicenseType(ctx, noRetest)
	require.NoError(t, err)

	_, err = f.svc.Consume(ctx, tenant, noRetest, "IMEI-1", 1)
	var invalid *license.InvalidLicenseTypeError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "inactive", invalid.Reason)

	_, err = f.svc.Grant(ctx, tenant, noRetest, 1, "")
	assert.ErrorIs(t, err, license.ErrInvalidLicenseType)

	_, err = f.svc.Refund(ctx, tenant, noRetest, 1, "device returned")
	require.NoError(t, err)
	assert.Equal(t, int64(4), f.balance(t, noRetest))
}

// =============================================================================
// LEDGER PROPERTIES
// =============================================================================

func TestLedger_BalanceEqualsSignedSum(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()

	f.grant(t, noRetest, 10)
	_, err := f.svc.Consume(ctx, tenant, noRetest, "IMEI-1", 3)
	require.NoError(t, err)
	_, err = f.svc.Refund(ctx, tenant, noRetest, 1, "")
	require.NoError(t, err)
	_, err = f.svc.Adjust(ctx, tenant, noRetest, -2, "miscount")
	require.NoError(t, err)
	_, err = f.svc.Consume(ctx, tenant, noRetest, "IMEI-2", 20)
	require.Error(t, err)

	var sum int64
	for _, e := range f.allEntries(t) {
		sum += e.Amount
	}
	assert.Equal(t, int64(6), sum)
	assert.Equal(t, sum, f.balance(t, noRetest))

	rec, err := f.svc.Reconcile(ctx, tenant, noRetest)
	require.NoError(t, err)
	assert.True(t, rec.InSync())
}

func TestLedger_SignRules(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()

	_, err := f.svc.Refund(ctx, tenant, noRetest, -1, "")
	assert.ErrorIs(t, err, license.ErrInvalidAmount)
	_, err = f.svc.Consume(ctx, tenant, noRetest, "IMEI-1", 0)
	assert.ErrorIs(t, err, license.ErrInvalidAmount)
	_, err = f.svc.Adjust(ctx, tenant, noRetest, 0, "")
	assert.ErrorIs(t, err, license.ErrInvalidAmount)

	// adjustment may push a prepaid balance negative
	_, err = f.svc.Adjust(ctx, tenant, noRetest, -4, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, int64(-4), f.balance(t, noRetest))
}

func TestHistory_NewestFirstWithFilterAndPaging(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()

	f.grant(t, noRetest, 10)
	for _, dev := range []string{"IMEI-1", "IMEI-2", "IMEI-3"} {
		f.clock.Advance(time.Minute)
		_, err := f.svc.Consume(ctx, tenant, noRetest, dev, 1)
		require.NoError(t, err)
	}

	page, err := f.svc.History(ctx, tenant, license.HistoryFilter{
		Types: []license.TransactionType{license.TxConsume},
	}, license.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, "IMEI-3", page.Entries[0].DeviceIdentifier)
	assert.Equal(t, "IMEI-2", page.Entries[1].DeviceIdentifier)
	assert.True(t, page.HasMore())

	dev := "IMEI-1"
	page, err = f.svc.History(ctx, tenant, license.HistoryFilter{DeviceIdentifier: &dev}, license.Page{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, int64(-1), page.Entries[0].Amount)
}

func TestBalanceAt_IgnoresLaterEntries(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()

	f.grant(t, noRetest, 5)
	checkpoint := f.clock.Now()
	f.clock.Advance(time.Hour)
	_, err := f.svc.Consume(ctx, tenant, noRetest, "IMEI-1", 2)
	require.NoError(t, err)

	at, err := f.svc.BalanceAt(ctx, tenant, noRetest, checkpoint)
	require.NoError(t, err)
	assert.Equal(t, int64(5), at)
	assert.Equal(t, int64(3), f.balance(t, noRetest))
}

func TestReconcile_DetectsDrift(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, noRetest, 5)

	f.mem.CorruptBalance(tenant, noRetest, 9)

	recs, err := f.svc.ReconcileTenant(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(9), recs[0].Cached)
	assert.Equal(t, int64(5), recs[0].Computed)
	assert.Equal(t, int64(4), recs[0].Drift())

	require.NotNil(t, f.logs.LastEntry())
	assert.Equal(t, logrus.WarnLevel, f.logs.LastEntry().Level)
}

// =============================================================================
// RETEST WINDOWS
// =============================================================================

func TestRetest_WindowOpenedAndExpires(t *testing.T) {
	// GIVEN: an iPhone type with a 72h grace period
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, iphone, 5)

	// WHEN: a device is tested
	res, err := f.svc.Consume(ctx, tenant, iphone, "IMEI-1", 1)
	require.NoError(t, err)

	// THEN: the window is anchored on the consume
	require.NotNil(t, res.Window)
	assert.Equal(t, res.Entry.CreatedAt, res.Window.ActivatedAt)
	assert.Equal(t, res.Entry.CreatedAt.Add(72*time.Hour), res.Window.ValidUntil)
	assert.Equal(t, res.Entry.ID, res.Window.EntryID)

	// inclusive at valid_until
	f.clock.Advance(72 * time.Hour)
	active, err := f.svc.ActiveRetestWindow(ctx, tenant, "IMEI-1", iphone)
	require.NoError(t, err)
	require.NotNil(t, active)

	// gone one tick later
	f.clock.Advance(time.Nanosecond)
	active, err = f.svc.ActiveRetestWindow(ctx, tenant, "IMEI-1", iphone)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestRetest_NoWindowWithoutGracePeriod(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	f.grant(t, noRetest, 1)

	res, err := f.svc.Consume(context.Background(), tenant, noRetest, "IMEI-1", 1)
	require.NoError(t, err)
	assert.Nil(t, res.Window)
}

func TestRetest_LaterConsumeExtendsCoverage(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, iphone, 5)

	first, err := f.svc.Consume(ctx, tenant, iphone, "IMEI-1", 1)
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	second, err := f.svc.Consume(ctx, tenant, iphone, "IMEI-1", 1)
	require.NoError(t, err)

	active, err := f.svc.ActiveRetestWindow(ctx, tenant, "IMEI-1", iphone)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.Window.ID, active.ID)
	assert.NotEqual(t, first.Window.ID, active.ID)

	history, err := f.svc.RetestHistory(ctx, tenant, "IMEI-1", iphone)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRetest_ShortenedGraceKeepsLongerOlderWindow(t *testing.T) {
	// GIVEN: a 72h window, then the grace period cut to 1h and a second consume
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, iphone, 2)
	first, err := f.svc.Consume(ctx, tenant, iphone, "IMEI-1", 1)
	require.NoError(t, err)

	_, err = f.svc.UpdateLicenseType(ctx, iphone, license.LicenseTypePatch{RetestGracePeriod: license.Some(time.Hour)})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	second, err := f.svc.Consume(ctx, tenant, iphone, "IMEI-1", 1)
	require.NoError(t, err)
	require.NotNil(t, second.Window)

	// WHEN: asking for the active window
	active, err := f.svc.ActiveRetestWindow(ctx, tenant, "IMEI-1", iphone)

	// THEN: the older window with the later expiry wins
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.Window.ID, active.ID)
	assert.True(t, active.ValidUntil.After(second.Window.ValidUntil))
}

func TestRetest_RefundDoesNotReopenWindow(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, iphone, 1)

	_, err := f.svc.Consume(ctx, tenant, iphone, "IMEI-1", 1)
	require.NoError(t, err)
	f.clock.Advance(73 * time.Hour)

	_, err = f.svc.Refund(ctx, tenant, iphone, 1, "IMEI-1 returned")
	require.NoError(t, err)

	active, err := f.svc.ActiveRetestWindow(ctx, tenant, "IMEI-1", iphone)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestAuthorizeTest_CoveredThenCharged(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, iphone, 2)

	// first test charges and opens the window
	auth, err := f.svc.AuthorizeTest(ctx, tenant, iphone, "IMEI-1")
	require.NoError(t, err)
	assert.False(t, auth.Covered)
	require.NotNil(t, auth.Entry)
	assert.Equal(t, int64(1), f.balance(t, iphone))

	// retest within the window is free
	f.clock.Advance(time.Hour)
	auth, err = f.svc.AuthorizeTest(ctx, tenant, iphone, "IMEI-1")
	require.NoError(t, err)
	assert.True(t, auth.Covered)
	assert.Nil(t, auth.Entry)
	assert.Equal(t, int64(1), f.balance(t, iphone))

	// after expiry it charges again
	f.clock.Advance(72 * time.Hour)
	auth, err = f.svc.AuthorizeTest(ctx, tenant, iphone, "IMEI-1")
	require.NoError(t, err)
	assert.False(t, auth.Covered)
	assert.Equal(t, int64(0), f.balance(t, iphone))

	_, err = f.svc.AuthorizeTest(ctx, tenant, iphone, "")
	assert.ErrorIs(t, err, license.ErrDeviceRequired)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConsume_ConcurrentNeverOverdraws(t *testing.T) {
	// GIVEN: 10 licenses and 50 concurrent single consumes
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, noRetest, 10)

	var ok, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Consume(ctx, tenant, noRetest, "", 1)
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, license.ErrInsufficientBalance):
				atomic.AddInt64(&rejected, 1)
			default:
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// THEN: exactly 10 pass and the balance is 0
	assert.Equal(t, int64(10), ok)
	assert.Equal(t, int64(40), rejected)
	assert.Equal(t, int64(0), f.balance(t, noRetest))
}

func TestConsume_LockTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	// a separate service sharing the store but with a locker that always fails
	svc := license.NewService(f.mem, license.ServiceConfig{Locker: failingLocker{}, Clock: f.clock.Now})
	f.grant(t, noRetest, 1)

	_, err := svc.Consume(context.Background(), tenant, noRetest, "IMEI-1", 1)
	assert.ErrorIs(t, err, license.ErrLockNotObtained)
	assert.True(t, license.IsRetryable(err))
	assert.Equal(t, int64(1), f.balance(t, noRetest))
}

type failingLocker struct{}

func (failingLocker) Acquire(context.Context, string) (func(), error) {
	return nil, lock.ErrNotObtained
}

// =============================================================================
// CATALOG
// =============================================================================

func TestUpdateLicenseType_PatchOnlyPresentFields(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()

	updated, err := f.svc.UpdateLicenseType(ctx, iphone, license.LicenseTypePatch{
		UnitPrice: license.Some(decimal.RequireFromString("2.00")),
	})
	require.NoError(t, err)
	assert.Equal(t, "2", updated.UnitPrice.String())
	assert.Equal(t, "iPhone", updated.ProductCategory)
	assert.Equal(t, 72*time.Hour, updated.RetestGracePeriod)
	assert.True(t, updated.Active)

	_, err = f.svc.UpdateLicenseType(ctx, iphone, license.LicenseTypePatch{})
	assert.ErrorIs(t, err, license.ErrEmptyPatch)

	_, err = f.svc.UpdateLicenseType(ctx, "nope", license.LicenseTypePatch{Active: license.Some(false)})
	assert.ErrorIs(t, err, license.ErrInvalidLicenseType)
}

func TestDeleteLicenseType_OnlyWithoutHistory(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()
	f.grant(t, iphone, 1)

	err := f.svc.DeleteLicenseType(ctx, iphone)
	assert.ErrorIs(t, err, license.ErrLicenseTypeInUse)

	require.NoError(t, f.svc.DeleteLicenseType(ctx, noRetest))
	_, err = f.svc.GetLicenseType(ctx, noRetest)
	assert.ErrorIs(t, err, license.ErrInvalidLicenseType)
}

func TestCreateLicenseType_DuplicateRejected(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	_, err := f.svc.CreateLicenseType(context.Background(), license.LicenseType{ID: iphone, Active: true})
	assert.ErrorIs(t, err, license.ErrLicenseTypeExists)

	created, err := f.svc.CreateLicenseType(context.Background(), license.LicenseType{ProductCategory: "iPad", Active: true})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
}

func TestSaveAccount_Validation(t *testing.T) {
	f := newFixture(t, license.BillingPrepaid, 0)
	ctx := context.Background()

	_, err := f.svc.SaveAccount(ctx, license.Account{TenantID: "t2", BillingModel: "barter"})
	assert.ErrorIs(t, err, license.ErrInvalidAccount)
	_, err = f.svc.SaveAccount(ctx, license.Account{TenantID: "t2", CreditLimit: -1})
	assert.ErrorIs(t, err, license.ErrInvalidAccount)
	_, err = f.svc.SaveAccount(ctx, license.Account{TenantID: "t2", BillingModel: license.BillingPostpaid, CreditLimit: license.MaxBalance + 1})
	assert.ErrorIs(t, err, license.ErrInvalidAccount)

	a, err := f.svc.SaveAccount(ctx, license.Account{TenantID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, license.BillingPrepaid, a.BillingModel)
}

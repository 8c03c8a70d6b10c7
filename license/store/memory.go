// Package store provides an in-memory license.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/refurb-engine/license"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

type balanceKey struct {
	TenantID      license.TenantID
	LicenseTypeID license.LicenseTypeID
}

type windowKey struct {
	TenantID         license.TenantID
	DeviceIdentifier string
	LicenseTypeID    license.LicenseTypeID
}

// state is the whole dataset. Its methods assume the caller holds Memory.mu.
type state struct {
	accounts map[license.TenantID]license.Account
	types    map[license.LicenseTypeID]license.LicenseType
	balances map[balanceKey]license.BalanceRow
	entries  []license.LedgerEntry // append order == seq order
	windows  map[windowKey][]license.RetestWindow
	seq      int64
}

func newState() *state {
	return &state{
		accounts: make(map[license.TenantID]license.Account),
		types:    make(map[license.LicenseTypeID]license.LicenseType),
		balances: make(map[balanceKey]license.BalanceRow),
		windows:  make(map[windowKey][]license.RetestWindow),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(license.Writer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		accounts: make(map[license.TenantID]license.Account, len(s.accounts)),
		types:    make(map[license.LicenseTypeID]license.LicenseType, len(s.types)),
		balances: make(map[balanceKey]license.BalanceRow, len(s.balances)),
		entries:  append([]license.LedgerEntry{}, s.entries...),
		windows:  make(map[windowKey][]license.RetestWindow, len(s.windows)),
		seq:      s.seq,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.types {
		c.types[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.windows {
		c.windows[k] = append([]license.RetestWindow{}, v...)
	}
	return c
}

// =============================================================================
// READS (locked wrappers)
// =============================================================================

func (m *Memory) GetAccount(ctx context.Context, tenantID license.TenantID) (*license.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetAccount(ctx, tenantID)
}

func (m *Memory) ListAccounts(ctx context.Context) ([]license.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListAccounts(ctx)
}

func (m *Memory) GetLicenseType(ctx context.Context, id license.LicenseTypeID) (*license.LicenseType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.GetLicenseType(ctx, id)
}

func (m *Memory) ListLicenseTypes(ctx context.Context) ([]license.LicenseType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListLicenseTypes(ctx)
}

func (m *Memory) CachedBalance(ctx context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CachedBalance(ctx, tenantID, licenseTypeID)
}

func (m *Memory) ListBalances(ctx context.Context, tenantID license.TenantID) ([]license.BalanceRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListBalances(ctx, tenantID)
}

func (m *Memory) SumEntries(ctx context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID, at *time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.SumEntries(ctx, tenantID, licenseTypeID, at)
}

func (m *Memory) CountEntries(ctx context.Context, licenseTypeID license.LicenseTypeID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.CountEntries(ctx, licenseTypeID)
}

func (m *Memory) ListEntries(ctx context.Context, tenantID license.TenantID, filter license.HistoryFilter, page license.Page) ([]license.LedgerEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListEntries(ctx, tenantID, filter, page)
}

func (m *Memory) ListRetestWindows(ctx context.Context, tenantID license.TenantID, deviceIdentifier string, licenseTypeID license.LicenseTypeID) ([]license.RetestWindow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.ListRetestWindows(ctx, tenantID, deviceIdentifier, licenseTypeID)
}

// CorruptBalance overwrites a cached balance without a ledger entry.
// Tests use it to exercise reconciliation.
func (m *Memory) CorruptBalance(tenantID license.TenantID, licenseTypeID license.LicenseTypeID, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := balanceKey{tenantID, licenseTypeID}
	row := m.st.balances[k]
	row.TenantID, row.LicenseTypeID, row.Balance = tenantID, licenseTypeID, balance
	m.st.balances[k] = row
}

// =============================================================================
// STATE - Reader
// =============================================================================

func (s *state) GetAccount(_ context.Context, tenantID license.TenantID) (*license.Account, error) {
	a, ok := s.accounts[tenantID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *state) ListAccounts(_ context.Context) ([]license.Account, error) {
	out := make([]license.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (s *state) GetLicenseType(_ context.Context, id license.LicenseTypeID) (*license.LicenseType, error) {
	lt, ok := s.types[id]
	if !ok {
		return nil, nil
	}
	return &lt, nil
}

func (s *state) ListLicenseTypes(_ context.Context) ([]license.LicenseType, error) {
	out := make([]license.LicenseType, 0, len(s.types))
	for _, lt := range s.types {
		out = append(out, lt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) CachedBalance(_ context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID) (int64, error) {
	return s.balances[balanceKey{tenantID, licenseTypeID}].Balance, nil
}

func (s *state) ListBalances(_ context.Context, tenantID license.TenantID) ([]license.BalanceRow, error) {
	var out []license.BalanceRow
	for k, row := range s.balances {
		if k.TenantID == tenantID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LicenseTypeID < out[j].LicenseTypeID })
	return out, nil
}

func (s *state) SumEntries(_ context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID, at *time.Time) (int64, error) {
	var sum int64
	for _, e := range s.entries {
		if e.TenantID != tenantID || e.LicenseTypeID != licenseTypeID {
			continue
		}
		if at != nil && e.CreatedAt.After(*at) {
			continue
		}
		sum += e.Amount
	}
	return sum, nil
}

func (s *state) CountEntries(_ context.Context, licenseTypeID license.LicenseTypeID) (int64, error) {
	var n int64
	for _, e := range s.entries {
		if e.LicenseTypeID == licenseTypeID {
			n++
		}
	}
	return n, nil
}

func (s *state) ListEntries(_ context.Context, tenantID license.TenantID, filter license.HistoryFilter, page license.Page) ([]license.LedgerEntry, int, error) {
	var matched []license.LedgerEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID && matches(e, filter) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].Seq > matched[j].Seq
	})

	total := len(matched)
	page = page.Normalize()
	if page.Offset >= total {
		return []license.LedgerEntry{}, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return append([]license.LedgerEntry{}, matched[page.Offset:end]...), total, nil
}

func matches(e license.LedgerEntry, f license.HistoryFilter) bool {
	if f.LicenseTypeID != nil && e.LicenseTypeID != *f.LicenseTypeID {
		return false
	}
	if f.DeviceIdentifier != nil && e.DeviceIdentifier != *f.DeviceIdentifier {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *state) ListRetestWindows(_ context.Context, tenantID license.TenantID, deviceIdentifier string, licenseTypeID license.LicenseTypeID) ([]license.RetestWindow, error) {
	k := windowKey{tenantID, deviceIdentifier, licenseTypeID}
	return append([]license.RetestWindow{}, s.windows[k]...), nil
}

// =============================================================================
// STATE - Writer
// =============================================================================

func (s *state) LockBalance(_ context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID) (int64, error) {
	k := balanceKey{tenantID, licenseTypeID}
	row, ok := s.balances[k]
	if !ok {
		row = license.BalanceRow{TenantID: tenantID, LicenseTypeID: licenseTypeID}
		s.balances[k] = row
	}
	return row.Balance, nil
}

func (s *state) InsertEntry(_ context.Context, e license.LedgerEntry) (license.LedgerEntry, error) {
	s.seq++
	e.Seq = s.seq
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *state) AdjustBalance(_ context.Context, tenantID license.TenantID, licenseTypeID license.LicenseTypeID, delta int64, at time.Time) error {
	k := balanceKey{tenantID, licenseTypeID}
	row := s.balances[k]
	row.TenantID, row.LicenseTypeID = tenantID, licenseTypeID
	row.Balance += delta
	row.EntryCount++
	row.UpdatedAt = at
	s.balances[k] = row
	return nil
}

func (s *state) InsertRetestWindow(_ context.Context, w license.RetestWindow) (license.RetestWindow, error) {
	s.seq++
	w.Seq = s.seq
	k := windowKey{w.TenantID, w.DeviceIdentifier, w.LicenseTypeID}
	s.windows[k] = append(s.windows[k], w)
	return w, nil
}

func (s *state) SaveAccount(_ context.Context, a license.Account) error {
	s.accounts[a.TenantID] = a
	return nil
}

func (s *state) InsertLicenseType(_ context.Context, lt license.LicenseType) error {
	if _, ok := s.types[lt.ID]; ok {
		return license.ErrLicenseTypeExists
	}
	s.types[lt.ID] = lt
	return nil
}

func (s *state) UpdateLicenseType(_ context.Context, lt license.LicenseType) error {
	s.types[lt.ID] = lt
	return nil
}

func (s *state) DeleteLicenseType(_ context.Context, id license.LicenseTypeID) error {
	delete(s.types, id)
	return nil
}

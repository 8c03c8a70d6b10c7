/*
retest.go - Retest window derivation

PURPOSE:
  A consume of a license type with a retest grace period opens a window
  for that device: activated_at = entry.created_at,
  valid_until = activated_at + grace period. While a window is active the
  device may be re-tested without consuming another license.

SELECTION RULE:
  Among the windows with valid_until >= now, the one with the latest
  valid_until wins. Identical valid_until values are broken by creation
  order (higher Seq wins).

  After a grace period is shortened, an older window that still runs longer
  keeps winning over a newer, shorter one.

  Windows are never updated. A refund does not reopen an expired window.
*/
package license

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RetestTracker is read-only.
type RetestTracker struct {
	Reader Reader
}

// Active returns the selected active window, or nil when none covers now.
func (rt RetestTracker) Active(ctx context.Context, tenantID TenantID, deviceIdentifier string, licenseTypeID LicenseTypeID, now time.Time) (*RetestWindow, error) {
	windows, err := rt.Reader.ListRetestWindows(ctx, tenantID, deviceIdentifier, licenseTypeID)
	if err != nil {
		return nil, err
	}
	return SelectActive(windows, now), nil
}

// History returns every window for the device/type, oldest first.
func (rt RetestTracker) History(ctx context.Context, tenantID TenantID, deviceIdentifier string, licenseTypeID LicenseTypeID) ([]RetestWindow, error) {
	return rt.Reader.ListRetestWindows(ctx, tenantID, deviceIdentifier, licenseTypeID)
}

// SelectActive applies the selection rule to windows.
func SelectActive(windows []RetestWindow, now time.Time) *RetestWindow {
	var best *RetestWindow
	for i := range windows {
		w := &windows[i]
		if !w.ActiveAt(now) {
			continue
		}
		if best == nil ||
			w.ValidUntil.After(best.ValidUntil) ||
			(w.ValidUntil.Equal(best.ValidUntil) && w.Seq > best.Seq) {
			best = w
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// NewWindow derives the window a consume entry opens. ok is false when the
// type grants no window or the entry has no device.
func NewWindow(entry LedgerEntry, lt LicenseType) (w RetestWindow, ok bool) {
	if !lt.GrantsRetestWindow() || entry.DeviceIdentifier == "" || entry.Type != TxConsume {
		return RetestWindow{}, false
	}
	return RetestWindow{
		ID:               WindowID(uuid.NewString()),
		TenantID:         entry.TenantID,
		LicenseTypeID:    entry.LicenseTypeID,
		DeviceIdentifier: entry.DeviceIdentifier,
		EntryID:          entry.ID,
		ActivatedAt:      entry.CreatedAt,
		ValidUntil:       entry.CreatedAt.Add(lt.RetestGracePeriod),
	}, true
}

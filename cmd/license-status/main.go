/*
main.go - License status check tool

PURPOSE:
  Prints a tenant's cached and recomputed license balances side by side,
  flags drift, and with -device shows the device's active retest window.
  Read-only.

COMMAND-LINE FLAGS:
  -tenant-id         Tenant to inspect (required)
  -license-type-id   Limit to one license type (default: every type the tenant holds)
  -device            Device identifier; needs -license-type-id
  -driver, -dsn      Database (default: DB_DRIVER / DB_DSN)

EXIT STATUS:
  0 in sync, 1 drift or error, 2 on bad usage.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/warp/refurb-engine/config"
	"github.com/warp/refurb-engine/license"
	"github.com/warp/refurb-engine/store/sqlstore"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("license-status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenantID := fs.String("tenant-id", "", "Tenant to inspect")
	licenseTypeID := fs.String("license-type-id", "", "Limit to one license type")
	device := fs.String("device", "", "Show the device's active retest window")
	driver := fs.String("driver", cfg.DBDriver, "Database driver (sqlite3 or postgres)")
	dsn := fs.String("dsn", cfg.DBDSN, "Database DSN")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenantID == "" {
		fmt.Fprintln(stderr, "-tenant-id is required")
		return 2
	}
	if *device != "" && *licenseTypeID == "" {
		fmt.Fprintln(stderr, "-device needs -license-type-id")
		return 2
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	db, err := sqlstore.Open(*driver, *dsn)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	svc := license.NewService(db.Licenses(), license.ServiceConfig{Logger: logger})
	return status(context.Background(), svc, license.TenantID(*tenantID), license.LicenseTypeID(*licenseTypeID), *device, stdout, stderr)
}

func status(ctx context.Context, svc *license.Service, tenantID license.TenantID, licenseTypeID license.LicenseTypeID, device string, stdout, stderr io.Writer) int {
	if _, err := svc.GetAccount(ctx, tenantID); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	var recs []license.Reconciliation
	if licenseTypeID != "" {
		rec, err := svc.Reconcile(ctx, tenantID, licenseTypeID)
		if err != nil {
			fmt.Fprintf(stderr, "reconcile: %v\n", err)
			return 1
		}
		recs = append(recs, rec)
	} else {
		var err error
		if recs, err = svc.ReconcileTenant(ctx, tenantID); err != nil {
			fmt.Fprintf(stderr, "reconcile: %v\n", err)
			return 1
		}
	}

	code := 0
	fmt.Fprintf(stdout, "%-30s %10s %10s %8s\n", "LICENSE TYPE", "CACHED", "COMPUTED", "DRIFT")
	for _, rec := range recs {
		mark := ""
		if !rec.InSync() {
			mark = "  (drift)"
			code = 1
		}
		fmt.Fprintf(stdout, "%-30s %10d %10d %8d%s\n", rec.LicenseTypeID, rec.Cached, rec.Computed, rec.Drift(), mark)
	}

	if device == "" {
		return code
	}
	win, err := svc.ActiveRetestWindow(ctx, tenantID, device, licenseTypeID)
	if err != nil {
		fmt.Fprintf(stderr, "retest window: %v\n", err)
		return 1
	}
	if win == nil {
		fmt.Fprintf(stdout, "device %s: no active retest window, next test consumes a license\n", device)
		return code
	}
	fmt.Fprintf(stdout, "device %s: retest covered until %s (entry %s)\n",
		device, win.ValidUntil.UTC().Format(time.RFC3339), win.EntryID)
	return code
}

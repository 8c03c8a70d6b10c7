/*
main.go - Purchase deletion maintenance tool

PURPOSE:
  Deletes purchases and everything their receipt created: device events,
  received_items movements, device mappings still at the received
  warehouse, received items, purchase items and the purchase itself.

SAFETY:
  Dry run is the default and writes nothing; the printed counts are what a
  real run would delete. A real run needs both -dry-run=false and
  -confirm=DELETE.

COMMAND-LINE FLAGS:
  -tenant-id     Tenant owning the purchases (required)
  -purchase-id   Purchase id, repeatable; each value may be a comma list
  -dry-run       Only count (default: true)
  -confirm       Must be DELETE for a real run
  -driver, -dsn  Database (default: DB_DRIVER / DB_DSN)

LOCKING:
  Device locks come from REDIS_ADDR like the server's, so a run next to a
  live server serializes with its transfers.

EXIT STATUS:
  0 when every purchase succeeded, 1 when any failed, 2 on bad usage.

EXAMPLES:
  ./purchase-delete -tenant-id=acme -purchase-id=p1,p2
  ./purchase-delete -tenant-id=acme -purchase-id=p1 -purchase-id=p2 -dry-run=false -confirm=DELETE
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/warp/refurb-engine/config"
	"github.com/warp/refurb-engine/lock"
	"github.com/warp/refurb-engine/stock"
	"github.com/warp/refurb-engine/store/sqlstore"
)

// idList collects -purchase-id values.
type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }

func (l *idList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			*l = append(*l, p)
		}
	}
	return nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("purchase-delete", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenantID := fs.String("tenant-id", "", "Tenant owning the purchases")
	var ids idList
	fs.Var(&ids, "purchase-id", "Purchase id (repeatable, comma list allowed)")
	dryRun := fs.Bool("dry-run", true, "Only count what would be deleted")
	confirm := fs.String("confirm", "", "Must be DELETE for a real run")
	driver := fs.String("driver", cfg.DBDriver, "Database driver (sqlite3 or postgres)")
	dsn := fs.String("dsn", cfg.DBDSN, "Database DSN")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *tenantID == "" || len(ids) == 0 {
		fmt.Fprintln(stderr, "-tenant-id and at least one -purchase-id are required")
		return 2
	}
	if !*dryRun && *confirm != "DELETE" {
		fmt.Fprintln(stderr, "refusing to delete without -confirm=DELETE")
		return 2
	}

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	db, err := sqlstore.Open(*driver, *dsn)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	locker, closeLocker := lock.FromConfig(cfg, logger)
	defer closeLocker()
	engine := stock.NewReversalEngine(db.Stock(), stock.Options{Locker: locker, Logger: logger})

	purchaseIDs := make([]stock.PurchaseID, len(ids))
	for i, id := range ids {
		purchaseIDs[i] = stock.PurchaseID(id)
	}
	res := engine.DeletePurchases(context.Background(), stock.TenantID(*tenantID), purchaseIDs, *dryRun)
	printResult(stdout, res)

	if res.Failed > 0 {
		return 1
	}
	return 0
}

func printResult(w io.Writer, res stock.BatchDeletionResult) {
	mode := "DELETED"
	if res.DryRun {
		mode = "DRY RUN"
	}
	for _, it := range res.Items {
		if it.Err != nil {
			fmt.Fprintf(w, "%-36s  FAILED  %v\n", it.PurchaseID, it.Err)
			continue
		}
		s := it.Stats
		fmt.Fprintf(w, "%-36s  %s  received_items=%d purchase_items=%d movements=%d events=%d mappings=%d\n",
			it.PurchaseID, mode, s.ReceivedItems, s.PurchaseItems, s.Movements, s.Events, s.Mappings)
	}
	fmt.Fprintf(w, "outcome=%s succeeded=%d failed=%d\n", res.Outcome, res.Succeeded, res.Failed)
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the refurb engine HTTP server: license ledger,
  device stock and transfers. Handles configuration, dependency injection,
  and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment), then apply flags
  2. Build the logrus logger
  3. Open the relational store (sqlite3 or postgres) and migrate
  4. Pick the locker: Redis when REDIS_ADDR is set, in-process otherwise
  5. Build engines, handler and router
  6. Start the balance audit scheduler and the server with graceful shutdown

COMMAND-LINE FLAGS:
  -port      HTTP server port (default: PORT or 8080)
  -driver    Database driver, sqlite3 or postgres (default: DB_DRIVER)
  -dsn       Database DSN (default: DB_DSN). Use ":memory:" for sqlite in memory
  -strict    Complete transfers in one transaction (default: STRICT_TRANSFERS)
  -audit     Balance audit interval, 0 disables (default: 1h)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and close the database
  4. Exit

EXAMPLES:
  ./server -dsn="./data/refurb.db"
  DB_DRIVER=postgres DB_DSN="postgres://refurb@localhost/refurb?sslmode=disable" ./server
  REDIS_ADDR=localhost:6379 ./server -strict
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/refurb-engine/api"
	"github.com/warp/refurb-engine/config"
	"github.com/warp/refurb-engine/license"
	"github.com/warp/refurb-engine/lock"
	"github.com/warp/refurb-engine/metrics"
	"github.com/warp/refurb-engine/stock"
	"github.com/warp/refurb-engine/store/sqlstore"
)

func main() {
	cfg := config.Load()

	// Flags override the environment
	port := flag.Int("port", cfg.Port, "HTTP server port")
	driver := flag.String("driver", cfg.DBDriver, "Database driver (sqlite3 or postgres)")
	dsn := flag.String("dsn", cfg.DBDSN, "Database DSN")
	strict := flag.Bool("strict", cfg.StrictTransfers, "Complete transfers in one atomic transaction")
	audit := flag.Duration("audit", time.Hour, "Balance audit interval (0 disables)")
	flag.Parse()

	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	db, err := sqlstore.Open(*driver, *dsn)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer db.Close()

	locker, closeLocker := lock.FromConfig(cfg, logger)
	defer closeLocker()
	m := metrics.New(nil)

	licenses := license.NewService(db.Licenses(), license.ServiceConfig{Locker: locker, Logger: logger, Metrics: m})
	opts := stock.Options{Locker: locker, Logger: logger, Metrics: m, StrictTransfers: *strict}
	handler := api.NewHandler(licenses,
		stock.NewIntake(db.Stock(), opts),
		stock.NewTransferEngine(db.Stock(), opts),
		stock.NewReversalEngine(db.Stock(), opts),
		logger)

	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        m.Handler(),
	})

	scheduler := api.NewAuditScheduler(licenses, logger)
	scheduler.CheckInterval = *audit
	scheduler.Enabled = *audit > 0
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":             *port,
			"driver":           *driver,
			"strict_transfers": *strict,
			"redis_locks":      cfg.RedisAddr != "",
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}
	logger.Info("server stopped")
}

/*
scheduler.go - Automated balance audit scheduler

PURPOSE:
  Periodically compares every tenant's cached license balances against the
  balances recomputed from the ledger. Drift is logged at warn level and
  counted by license.Service; the scheduler only drives the sweep.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Sweeps every account, one tenant at a time
  - A failing tenant is logged and the sweep moves on

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(licenses, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/refurb-engine/config"
	"github.com/warp/refurb-engine/license"
)

// AuditScheduler runs the balance reconciliation sweep.
type AuditScheduler struct {
	Licenses      *license.Service
	Logger        logrus.FieldLogger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// AuditSummary is the result of one sweep.
type AuditSummary struct {
	Tenants int
	Pairs   int
	Drifted int
	Failed  int
}

func NewAuditScheduler(licenses *license.Service, logger logrus.FieldLogger) *AuditScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditScheduler{
		Licenses:      licenses,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Logger.WithField("module", "scheduler").Info("balance audit disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)
	go as.run()

	as.Logger.WithFields(logrus.Fields{
		"module":   "scheduler",
		"interval": as.CheckInterval.String(),
	}).Info("balance audit started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker == nil {
		return
	}
	as.ticker.Stop()
	close(as.stop)
	as.wg.Wait()
	as.ticker = nil
	as.Logger.WithField("module", "scheduler").Info("balance audit stopped")
}

func (as *AuditScheduler) run() {
	defer as.wg.Done()

	// Run immediately on start
	as.RunNow(context.Background())

	for {
		select {
		case <-as.ticker.C:
			as.RunNow(context.Background())
		case <-as.stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously.
func (as *AuditScheduler) RunNow(ctx context.Context) AuditSummary {
	var summary AuditSummary

	accounts, err := as.Licenses.ListAccounts(ctx)
	if err != nil {
		config.LogError(as.Logger, "scheduler", "RunNow", "listing accounts", nil, err)
		summary.Failed++
		return summary
	}

	for _, a := range accounts {
		recs, err := as.Licenses.ReconcileTenant(ctx, a.TenantID)
		if err != nil {
			config.LogError(as.Logger, "scheduler", "RunNow", "reconciling tenant",
				logrus.Fields{"tenant_id": a.TenantID}, err)
			summary.Failed++
			continue
		}
		summary.Tenants++
		summary.Pairs += len(recs)
		for _, rec := range recs {
			if !rec.InSync() {
				summary.Drifted++
			}
		}
	}

	if summary.Drifted > 0 || summary.Failed > 0 {
		as.Logger.WithFields(logrus.Fields{
			"module":  "scheduler",
			"tenants": summary.Tenants,
			"pairs":   summary.Pairs,
			"drifted": summary.Drifted,
			"failed":  summary.Failed,
		}).Warn("balance audit found problems")
	}
	return summary
}

package api

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/refurb-engine/license"
	"github.com/warp/refurb-engine/license/store"
)

func TestAuditScheduler_RunNowReportsDrift(t *testing.T) {
	// GIVEN: two tenants, one of them with a corrupted cached balance
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	mem := store.NewMemory()
	svc := license.NewService(mem, license.ServiceConfig{Logger: logger})

	_, err := svc.CreateLicenseType(ctx, license.LicenseType{ID: "lt", Active: true})
	require.NoError(t, err)
	for _, tenant := range []license.TenantID{"t1", "t2"} {
		_, err := svc.SaveAccount(ctx, license.Account{TenantID: tenant})
		require.NoError(t, err)
		_, err = svc.Grant(ctx, tenant, "lt", 4, "")
		require.NoError(t, err)
	}
	mem.CorruptBalance("t2", "lt", 9)

	// WHEN: sweeping
	summary := NewAuditScheduler(svc, logger).RunNow(ctx)

	// THEN: both tenants were checked and the drift was reported
	assert.Equal(t, AuditSummary{Tenants: 2, Pairs: 2, Drifted: 1}, summary)
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "balance audit found problems" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestAuditScheduler_StartStop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := license.NewService(store.NewMemory(), license.ServiceConfig{Logger: logger})

	as := NewAuditScheduler(svc, logger)
	as.CheckInterval = 10 * time.Millisecond
	as.Start()
	as.Start()
	time.Sleep(30 * time.Millisecond)
	as.Stop()
	as.Stop()

	disabled := NewAuditScheduler(svc, logger)
	disabled.Enabled = false
	disabled.Start()
	disabled.Stop()
}

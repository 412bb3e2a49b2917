package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/security"
	"github.com/bcnelson/hostbeat/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTenant(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	resp, err := e.tenants.CreateTenant(ctx, &domain.CreateTenantRequest{Name: "  acme  "})
	require.NoError(t, err)
	assert.Equal(t, "acme", resp.Name)
	assert.True(t, strings.HasPrefix(resp.EnrollSecret, "hbt_"))

	stored, err := e.store.GetTenant(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, security.HashSecret(resp.EnrollSecret), stored.SecretHash)
	assert.NotContains(t, stored.SecretHash, resp.EnrollSecret)

	tenants, err := e.tenants.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, tenants, 1)
}

func TestCreateTenant_Validation(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"", "   ", strings.Repeat("n", validation.MaxNameLen+1)} {
		_, err := e.tenants.CreateTenant(context.Background(), &domain.CreateTenantRequest{Name: name})
		var verrs validation.ValidationErrors
		assert.ErrorAs(t, err, &verrs)
	}
}

func TestRotateSecret(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := e.seedTenant(t, "acme")
	enr := e.enroll(t, tenant.EnrollSecret, "fp-1")

	rotated, err := e.tenants.RotateSecret(ctx, tenant.ID)
	require.NoError(t, err)
	assert.NotEqual(t, tenant.EnrollSecret, rotated.EnrollSecret)

	_, err = e.creds.Enroll(ctx, &domain.EnrollRequest{TenantSecret: tenant.EnrollSecret, HostFacts: testFacts("fp-2")})
	assert.ErrorIs(t, err, domain.ErrInvalidEnrollmentSecret)

	// Enrolled hosts are unaffected and re-enroll with the new secret.
	again := e.enroll(t, rotated.EnrollSecret, "fp-1")
	assert.Equal(t, enr.HostID, again.HostID)

	_, err = e.tenants.RotateSecret(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTenantQueries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := e.seedTenant(t, "acme")
	other := e.seedTenant(t, "other")
	enr := e.enroll(t, tenant.EnrollSecret, "fp-1")

	hosts, err := e.tenants.ListHosts(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, enr.HostID, hosts[0].HostID)

	_, err = e.tenants.ListHosts(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	e.clock.Advance(11 * time.Minute)
	_, err = e.jobs.DetectOffline(ctx)
	require.NoError(t, err)

	alerts, err := e.tenants.ListAlerts(ctx, tenant.ID, "OPEN")
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	alerts, err = e.tenants.ListAlerts(ctx, tenant.ID, "cleared")
	require.NoError(t, err)
	assert.Empty(t, alerts)

	var verrs validation.ValidationErrors
	_, err = e.tenants.ListAlerts(ctx, tenant.ID, "snoozed")
	assert.ErrorAs(t, err, &verrs)

	require.NoError(t, e.store.UpsertRollup(ctx, &domain.RollupBucket{
		TenantID: tenant.ID, HostID: enr.HostID, BucketStart: base, WidthSeconds: 3600, SampleCount: 3,
	}))
	for _, width := range []string{"", "3600", "1h"} {
		buckets, err := e.tenants.ListRollups(ctx, tenant.ID, enr.HostID, width)
		require.NoError(t, err, width)
		assert.Len(t, buckets, 1, width)
	}

	_, err = e.tenants.ListRollups(ctx, tenant.ID, enr.HostID, "-5")
	assert.ErrorAs(t, err, &verrs)
	_, err = e.tenants.ListRollups(ctx, other.ID, enr.HostID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectOffline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := e.seedTenant(t, "acme")
	enr := e.enroll(t, tenant.EnrollSecret, "fp-1")

	// Last seen exactly at the cutoff still counts as online.
	e.clock.Advance(10 * time.Minute)
	summary, err := e.jobs.DetectOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.OfflineSummary{}, summary)

	e.clock.Advance(time.Minute)
	summary, err = e.jobs.DetectOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.OfflineSummary{Opened: 1}, summary)

	summary, err = e.jobs.DetectOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.OfflineSummary{}, summary)

	open, err := e.store.ListAlerts(ctx, tenant.ID, domain.AlertOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.AlertOffline, open[0].Type)
	assert.Equal(t, domain.SeverityCritical, open[0].Severity)
	assert.Equal(t, enr.HostID, open[0].HostID)
	assert.Contains(t, open[0].Message, "web-1")

	_, err = e.ingest.Ingest(ctx, domain.HostIdentity{TenantID: tenant.ID, HostID: enr.HostID}, testBatch(e.clock.Now()))
	require.NoError(t, err)

	summary, err = e.jobs.DetectOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.OfflineSummary{Cleared: 1}, summary)

	open, err = e.store.ListAlerts(ctx, tenant.ID, domain.AlertOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDetectOffline_TenantsAreIndependent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.seedTenant(t, "a")
	b := e.seedTenant(t, "b")
	e.enroll(t, a.EnrollSecret, "fp-a")
	e.clock.Advance(9 * time.Minute)
	e.enroll(t, b.EnrollSecret, "fp-b")

	e.clock.Advance(2 * time.Minute)
	summary, err := e.jobs.DetectOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Opened)

	alertsB, err := e.store.ListAlerts(ctx, b.ID, "")
	require.NoError(t, err)
	assert.Empty(t, alertsB)
}

func seedHeartbeats(t *testing.T, e *env, tenantID, hostID string, samples map[time.Duration]float64) {
	t.Helper()
	i := 0
	for offset, cpu := range samples {
		i++
		require.NoError(t, e.store.InsertHeartbeat(context.Background(), &domain.HeartbeatRecord{
			ID:         hostID + "-" + offset.String(),
			TenantID:   tenantID,
			HostID:     hostID,
			CapturedAt: base.Add(offset),
			CPUPct:     cpu,
			Load1:      float64(i % 3),
			MemUsed:    int64(1000 * i),
			MemFree:    500,
		}))
	}
}

func TestBuildRollups(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := e.seedTenant(t, "acme")
	enr := e.enroll(t, tenant.EnrollSecret, "fp-1")

	// Twenty samples in the 12:00 hour, one in the incomplete 13:00 hour.
	samples := map[time.Duration]float64{}
	for i := 0; i < 20; i++ {
		samples[time.Duration(i)*time.Minute] = float64(i + 1)
	}
	samples[70*time.Minute] = 99
	seedHeartbeats(t, e, tenant.ID, enr.HostID, samples)

	e.clock.Advance(75 * time.Minute)
	summary, err := e.jobs.BuildRollups(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Widths, 2)
	assert.Equal(t, domain.RollupWidthSummary{WidthSeconds: 3600, BucketsWritten: 1}, summary.Widths[0])
	// The day bucket is not complete yet.
	assert.Equal(t, domain.RollupWidthSummary{WidthSeconds: 86400, BucketsWritten: 0}, summary.Widths[1])

	buckets, err := e.store.ListRollups(ctx, tenant.ID, enr.HostID, 3600)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	b := buckets[0]
	assert.True(t, b.BucketStart.Equal(base))
	assert.Equal(t, int64(20), b.SampleCount)
	assert.Equal(t, 10.5, b.CPUMean)
	assert.Equal(t, 19.0, b.CPUP95)
	assert.Equal(t, 500.0, b.MemFreeMean)
}

func TestBuildRollups_RecomputationIsIdentical(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := e.seedTenant(t, "acme")
	h1 := e.enroll(t, tenant.EnrollSecret, "fp-1")
	h2 := e.enroll(t, tenant.EnrollSecret, "fp-2")
	seedHeartbeats(t, e, tenant.ID, h1.HostID, map[time.Duration]float64{
		time.Minute: 10.1, 2 * time.Minute: 20.2, 61 * time.Minute: 30.3, 62 * time.Minute: 0.7,
	})
	seedHeartbeats(t, e, tenant.ID, h2.HostID, map[time.Duration]float64{
		5 * time.Minute: 1.5, 65 * time.Minute: 3.5,
	})

	e.clock.Advance(26 * time.Hour)
	first, err := e.jobs.BuildRollups(ctx)
	require.NoError(t, err)
	before, err := e.store.ListRollups(ctx, tenant.ID, h1.HostID, 3600)
	require.NoError(t, err)
	require.Len(t, before, 2)

	e.clock.Advance(time.Minute)
	second, err := e.jobs.BuildRollups(ctx)
	require.NoError(t, err)
	after, err := e.store.ListRollups(ctx, tenant.ID, h1.HostID, 3600)
	require.NoError(t, err)
	require.Len(t, after, 2)

	for i := range before {
		assert.True(t, before[i].SameAggregate(after[i]), "bucket %s changed", before[i].BucketStart)
	}
	assert.Equal(t, int64(4), first.Widths[0].BucketsWritten)
	assert.Equal(t, int64(2), first.Widths[1].BucketsWritten)
	// Only the latest stored bucket onward is revisited.
	assert.Equal(t, int64(2), second.Widths[0].BucketsWritten)

	days, err := e.store.ListRollups(ctx, tenant.ID, h2.HostID, 86400)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, int64(2), days[0].SampleCount)
	assert.Equal(t, 2.5, days[0].CPUMean)
}

func TestAggregateBuckets_SplitsByHostAndBucket(t *testing.T) {
	hbs := []*domain.HeartbeatRecord{
		{HostID: "a", CapturedAt: base, CPUPct: 1},
		{HostID: "a", CapturedAt: base.Add(59 * time.Minute), CPUPct: 3},
		{HostID: "a", CapturedAt: base.Add(60 * time.Minute), CPUPct: 5},
		{HostID: "b", CapturedAt: base.Add(60 * time.Minute), CPUPct: 7},
	}
	buckets := aggregateBuckets(hbs, time.Hour, base)
	require.Len(t, buckets, 3)
	assert.Equal(t, int64(2), buckets[0].SampleCount)
	assert.Equal(t, 2.0, buckets[0].CPUMean)
	assert.Equal(t, 3.0, buckets[0].CPUP95)
	assert.True(t, buckets[1].BucketStart.Equal(base.Add(time.Hour)))
	assert.Equal(t, "b", buckets[2].HostID)
}

func TestPercentile(t *testing.T) {
	tests := []struct {
		values []float64
		want   float64
	}{
		{nil, 0},
		{[]float64{42}, 42},
		{[]float64{3, 1, 2}, 3},
		{[]float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, percentile(tt.values, 0.95))
	}
}

func TestPruneNonces(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tenant := e.seedTenant(t, "acme")
	for i, at := range []time.Time{base, base.Add(4 * time.Minute), base.Add(10 * time.Minute)} {
		require.NoError(t, e.store.InsertNonce(ctx, &domain.ReplayNonce{
			TenantID: tenant.ID, HostID: "h1", Nonce: "nonce-" + string(rune('a'+i)), ObservedAt: at,
		}))
	}

	e.clock.Advance(20 * time.Minute)
	summary, err := e.jobs.PruneNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.NonceSummary{Deleted: 2}, summary)
	assert.Equal(t, 1, e.store.NonceCount())

	summary, err = e.jobs.PruneNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Deleted)
}

func TestRun(t *testing.T) {
	e := newEnv(t)
	e.seedTenant(t, "acme")

	for _, job := range []string{JobOffline, JobRollups, JobNonces} {
		summary, err := e.jobs.Run(context.Background(), job)
		require.NoError(t, err, job)
		assert.NotNil(t, summary)
	}

	_, err := e.jobs.Run(context.Background(), "vacuum")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

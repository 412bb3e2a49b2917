package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bcnelson/hostbeat/internal/config"
	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/metrics"
	"github.com/bcnelson/hostbeat/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Job names.
const (
	JobOffline = "offline"
	JobRollups = "rollups"
	JobNonces  = "nonces"
)

// ErrUnknownJob is returned by Run for a name that is not a job.
var ErrUnknownJob = fmt.Errorf("unknown job: %w", domain.ErrNotFound)

// JobRunner runs the periodic consistency jobs. Every job iterates all
// tenants and may run concurrently with itself.
type JobRunner struct {
	store   storage.Storage
	cfg     config.JobsConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(store storage.Storage, cfg config.JobsConfig, m *metrics.Metrics, logger zerolog.Logger) *JobRunner {
	return &JobRunner{
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "jobs").Logger(),
		now:     time.Now,
	}
}

// WithClock replaces the clock jobs measure windows against.
func (r *JobRunner) WithClock(now func() time.Time) *JobRunner {
	r.now = now
	return r
}

// Run runs the named job and returns its summary.
func (r *JobRunner) Run(ctx context.Context, job string) (any, error) {
	start := time.Now()
	var (
		summary any
		err     error
	)
	switch job {
	case JobOffline:
		summary, err = r.DetectOffline(ctx)
	case JobRollups:
		summary, err = r.BuildRollups(ctx)
	case JobNonces:
		summary, err = r.PruneNonces(ctx)
	default:
		return nil, ErrUnknownJob
	}

	status := "ok"
	if err != nil {
		status = "failed"
		r.logger.Error().Err(err).Str("job", job).Msg("job failed")
	} else {
		r.logger.Info().Str("job", job).Interface("summary", summary).Dur("took", time.Since(start)).Msg("job finished")
	}
	r.metrics.JobRun(job, status, time.Since(start).Seconds())
	return summary, err
}

// DetectOffline clears offline alerts of hosts seen since the cutoff and
// opens one for every host last seen before it.
// The cutoff is exclusive: a host silent for exactly OfflineAfter is online.
func (r *JobRunner) DetectOffline(ctx context.Context) (*domain.OfflineSummary, error) {
	now := r.now().UTC().Truncate(time.Microsecond)
	cutoff := now.Add(-r.cfg.OfflineAfter)

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}

	summary := &domain.OfflineSummary{}
	for _, t := range tenants {
		cleared, err := r.store.ClearAlertsForActiveHosts(ctx, t.ID, domain.AlertOffline, cutoff, now)
		if err != nil {
			return nil, fmt.Errorf("clearing offline alerts for tenant %s: %w", t.ID, err)
		}
		summary.Cleared += cleared

		stale, err := r.store.ListStaleHosts(ctx, t.ID, cutoff)
		if err != nil {
			return nil, fmt.Errorf("listing stale hosts for tenant %s: %w", t.ID, err)
		}
		for _, h := range stale {
			opened, err := r.store.OpenAlert(ctx, &domain.Alert{
				ID:       uuid.New().String(),
				TenantID: t.ID,
				HostID:   h.HostID,
				Type:     domain.AlertOffline,
				Severity: domain.SeverityCritical,
				Message:  fmt.Sprintf("host %s not seen since %s", hostLabel(h), h.LastSeenAt.UTC().Format(time.RFC3339)),
				Status:   domain.AlertOpen,
				OpenedAt: now,
			})
			if err != nil {
				return nil, fmt.Errorf("opening offline alert for host %s: %w", h.HostID, err)
			}
			if opened {
				summary.Opened++
			}
		}
	}

	r.metrics.JobRows(JobOffline, "opened", summary.Opened)
	r.metrics.JobRows(JobOffline, "cleared", summary.Cleared)
	return summary, nil
}

func hostLabel(h *domain.HostCredential) string {
	if h.Hostname != "" {
		return h.Hostname
	}
	return h.HostID
}

// BuildRollups aggregates completed buckets for every configured width.
// Widths are processed concurrently.
func (r *JobRunner) BuildRollups(ctx context.Context) (*domain.RollupSummary, error) {
	now := r.now().UTC()
	widths := r.cfg.RollupWidths()

	summary := &domain.RollupSummary{Widths: make([]domain.RollupWidthSummary, len(widths))}
	g, gctx := errgroup.WithContext(ctx)
	for i, width := range widths {
		g.Go(func() error {
			written, err := r.rollupWidth(gctx, width, now)
			summary.Widths[i] = domain.RollupWidthSummary{
				WidthSeconds:   int64(width / time.Second),
				BucketsWritten: written,
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, w := range summary.Widths {
		r.metrics.JobRows(JobRollups, fmt.Sprintf("buckets_%ds", w.WidthSeconds), w.BucketsWritten)
	}
	return summary, nil
}

func (r *JobRunner) rollupWidth(ctx context.Context, width time.Duration, now time.Time) (int64, error) {
	widthSeconds := int64(width / time.Second)
	end := now.Truncate(width)

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing tenants: %w", err)
	}

	var written int64
	for _, t := range tenants {
		start := now.Add(-r.cfg.RollupLookback)
		latest, err := r.store.GetLatestRollupStart(ctx, t.ID, widthSeconds)
		switch {
		case err == nil:
			if latest.After(start) {
				start = latest
			}
		case !errors.Is(err, domain.ErrNotFound):
			return written, fmt.Errorf("loading latest %ds bucket for tenant %s: %w", widthSeconds, t.ID, err)
		}
		start = start.Truncate(width)
		if !start.Before(end) {
			continue
		}

		heartbeats, err := r.store.ListHeartbeats(ctx, t.ID, start, end)
		if err != nil {
			return written, fmt.Errorf("listing heartbeats for tenant %s: %w", t.ID, err)
		}

		for _, bucket := range aggregateBuckets(heartbeats, width, now) {
			if err := r.store.UpsertRollup(ctx, bucket); err != nil {
				return written, fmt.Errorf("upserting bucket for host %s: %w", bucket.HostID, err)
			}
			written++
		}
	}
	return written, nil
}

// aggregateBuckets groups heartbeats already ordered by host, capture time
// and ID into buckets of width. Summation follows that order, so the same
// input always yields bit-identical means.
func aggregateBuckets(heartbeats []*domain.HeartbeatRecord, width time.Duration, computedAt time.Time) []*domain.RollupBucket {
	var (
		out     []*domain.RollupBucket
		current []*domain.HeartbeatRecord
	)
	flush := func() {
		if len(current) > 0 {
			out = append(out, aggregate(current, width, computedAt))
			current = current[:0]
		}
	}
	for _, hb := range heartbeats {
		if len(current) > 0 {
			head := current[0]
			if head.HostID != hb.HostID || !head.CapturedAt.Truncate(width).Equal(hb.CapturedAt.Truncate(width)) {
				flush()
			}
		}
		current = append(current, hb)
	}
	flush()
	return out
}

func aggregate(samples []*domain.HeartbeatRecord, width time.Duration, computedAt time.Time) *domain.RollupBucket {
	head := samples[0]
	n := float64(len(samples))

	var cpu, load1, load5, load15, memUsed, memFree, swap float64
	cpus := make([]float64, 0, len(samples))
	for _, s := range samples {
		cpu += s.CPUPct
		load1 += s.Load1
		load5 += s.Load5
		load15 += s.Load15
		memUsed += float64(s.MemUsed)
		memFree += float64(s.MemFree)
		swap += float64(s.SwapUsed)
		cpus = append(cpus, s.CPUPct)
	}

	return &domain.RollupBucket{
		TenantID:     head.TenantID,
		HostID:       head.HostID,
		BucketStart:  head.CapturedAt.Truncate(width).UTC(),
		WidthSeconds: int64(width / time.Second),
		SampleCount:  int64(len(samples)),
		CPUMean:      cpu / n,
		CPUP95:       percentile(cpus, 0.95),
		Load1Mean:    load1 / n,
		Load5Mean:    load5 / n,
		Load15Mean:   load15 / n,
		MemUsedMean:  memUsed / n,
		MemFreeMean:  memFree / n,
		SwapUsedMean: swap / n,
		ComputedAt:   computedAt.Truncate(time.Microsecond),
	}
}

// percentile returns the nearest-rank percentile of values. values is
// sorted in place.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	rank := int(math.Ceil(p * float64(len(values))))
	if rank < 1 {
		rank = 1
	}
	return values[rank-1]
}

// PruneNonces deletes nonces older than the retention window.
func (r *JobRunner) PruneNonces(ctx context.Context) (*domain.NonceSummary, error) {
	cutoff := r.now().UTC().Add(-r.cfg.NonceRetention)

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}

	summary := &domain.NonceSummary{}
	for _, t := range tenants {
		deleted, err := r.store.DeleteNoncesBefore(ctx, t.ID, cutoff)
		if err != nil {
			return nil, fmt.Errorf("deleting nonces for tenant %s: %w", t.ID, err)
		}
		summary.Deleted += deleted
	}

	r.metrics.JobRows(JobNonces, "deleted", summary.Deleted)
	return summary, nil
}

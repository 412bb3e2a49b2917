package domain

import "time"

// RollupBucket aggregates the heartbeats of one host over
// [BucketStart, BucketStart+width).
type RollupBucket struct {
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	HostID       string    `json:"host_id" db:"host_id"`
	BucketStart  time.Time `json:"bucket_start" db:"bucket_start"`
	WidthSeconds int64     `json:"bucket_width_seconds" db:"bucket_width_seconds"`
	SampleCount  int64     `json:"sample_count" db:"sample_count"`
	CPUMean      float64   `json:"cpu_mean" db:"cpu_mean"`
	CPUP95       float64   `json:"cpu_p95" db:"cpu_p95"`
	Load1Mean    float64   `json:"load1_mean" db:"load1_mean"`
	Load5Mean    float64   `json:"load5_mean" db:"load5_mean"`
	Load15Mean   float64   `json:"load15_mean" db:"load15_mean"`
	MemUsedMean  float64   `json:"mem_used_mean" db:"mem_used_mean"`
	MemFreeMean  float64   `json:"mem_free_mean" db:"mem_free_mean"`
	SwapUsedMean float64   `json:"swap_used_mean" db:"swap_used_mean"`
	ComputedAt   time.Time `json:"computed_at" db:"computed_at"`
}

// SameAggregate reports whether b and o hold identical aggregate values.
// ComputedAt is ignored.
func (b *RollupBucket) SameAggregate(o *RollupBucket) bool {
	return b.TenantID == o.TenantID &&
		b.HostID == o.HostID &&
		b.BucketStart.Equal(o.BucketStart) &&
		b.WidthSeconds == o.WidthSeconds &&
		b.SampleCount == o.SampleCount &&
		b.CPUMean == o.CPUMean &&
		b.CPUP95 == o.CPUP95 &&
		b.Load1Mean == o.Load1Mean &&
		b.Load5Mean == o.Load5Mean &&
		b.Load15Mean == o.Load15Mean &&
		b.MemUsedMean == o.MemUsedMean &&
		b.MemFreeMean == o.MemFreeMean &&
		b.SwapUsedMean == o.SwapUsedMean
}

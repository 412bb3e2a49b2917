package domain

// OfflineSummary is the result of one offline detector run.
type OfflineSummary struct {
	Opened  int64 `json:"opened"`
	Cleared int64 `json:"cleared"`
}

// RollupWidthSummary reports the buckets written for one granularity.
type RollupWidthSummary struct {
	WidthSeconds   int64 `json:"bucket_width_seconds"`
	BucketsWritten int64 `json:"buckets_written"`
}

// RollupSummary is the result of one rollup builder run.
type RollupSummary struct {
	Widths []RollupWidthSummary `json:"widths"`
}

// NonceSummary is the result of one nonce janitor run.
type NonceSummary struct {
	Deleted int64 `json:"deleted"`
}

// JobResult is the response body of a job endpoint.
type JobResult struct {
	Job     string `json:"job"`
	Status  string `json:"status"`
	Summary any    `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

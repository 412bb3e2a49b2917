package domain

import (
	"encoding/json"
	"time"
)

// TelemetryBatch is the JSON body of one ingestion request. Unknown fields
// are ignored so newer agents keep working against older servers.
type TelemetryBatch struct {
	Server     *HostFacts         `json:"server,omitempty"`
	Heartbeat  *Heartbeat         `json:"heartbeat"`
	Disks      []DiskUsage        `json:"disks,omitempty"`
	Interfaces []NetworkIface     `json:"network_ifaces,omitempty"`
	Processes  []ProcessSample    `json:"processes,omitempty"`
	Packages   []InstalledPackage `json:"packages,omitempty"`
	Updates    *UpdateSummary     `json:"updates,omitempty"`
	Logs       []LogLine          `json:"logs,omitempty"`
}

// LoadAverage holds the 1, 5 and 15 minute load averages.
type LoadAverage struct {
	M1  float64 `json:"m1"`
	M5  float64 `json:"m5"`
	M15 float64 `json:"m15"`
}

// MemoryUsage holds memory figures in bytes.
type MemoryUsage struct {
	Used     int64 `json:"used"`
	Free     int64 `json:"free"`
	SwapUsed int64 `json:"swap_used"`
}

// Heartbeat is the mandatory liveness sample of a batch. TS is the capture
// time of the whole batch.
type Heartbeat struct {
	TS      string      `json:"ts"`
	UptimeS int64       `json:"uptime_s"`
	Load    LoadAverage `json:"load"`
	CPUPct  float64     `json:"cpu_pct"`
	Mem     MemoryUsage `json:"mem"`
}

type DiskUsage struct {
	Mount     string `json:"mount"`
	FS        string `json:"fs"`
	SizeBytes int64  `json:"size_bytes"`
	UsedBytes int64  `json:"used_bytes"`
}

// UsedPercent returns the share of the disk in use, 0 for empty disks.
func (d DiskUsage) UsedPercent() float64 {
	if d.SizeBytes <= 0 {
		return 0
	}
	return float64(d.UsedBytes) * 100 / float64(d.SizeBytes)
}

type NetworkIface struct {
	Name    string   `json:"name"`
	MAC     string   `json:"mac"`
	IPv4    []string `json:"ipv4"`
	IPv6    []string `json:"ipv6"`
	RxBytes int64    `json:"rx_bytes"`
	TxBytes int64    `json:"tx_bytes"`
}

type ProcessSample struct {
	PID      int64   `json:"pid"`
	Cmd      string  `json:"cmd"`
	CPUPct   float64 `json:"cpu_pct"`
	MemBytes int64   `json:"mem_bytes"`
	User     string  `json:"usr"`
}

type InstalledPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// UpdateSummary reports pending package updates.
type UpdateSummary struct {
	SecurityCount int64           `json:"security_updates_count"`
	RegularCount  int64           `json:"regular_updates_count"`
	Details       []PendingUpdate `json:"details,omitempty"`
}

type PendingUpdate struct {
	Name      string `json:"name"`
	Current   string `json:"current"`
	Candidate string `json:"candidate"`
	Security  bool   `json:"security"`
}

// LogLine is one journal entry. Raw is whatever structured payload the
// agent attached and is stored verbatim.
type LogLine struct {
	TS      string          `json:"ts"`
	Source  string          `json:"source"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// IngestResponse is returned for an accepted batch.
type IngestResponse struct {
	ReceivedAt string `json:"received_at"`
}

// Stored rows. Every row carries the tenant, the host and the capture time
// of the batch it arrived in.

type HeartbeatRecord struct {
	ID         string    `db:"id" json:"id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	HostID     string    `db:"host_id" json:"host_id"`
	CapturedAt time.Time `db:"captured_at" json:"captured_at"`
	ReceivedAt time.Time `db:"received_at" json:"received_at"`
	UptimeS    int64     `db:"uptime_s" json:"uptime_s"`
	Load1      float64   `db:"load1" json:"load1"`
	Load5      float64   `db:"load5" json:"load5"`
	Load15     float64   `db:"load15" json:"load15"`
	CPUPct     float64   `db:"cpu_pct" json:"cpu_pct"`
	MemUsed    int64     `db:"mem_used" json:"mem_used"`
	MemFree    int64     `db:"mem_free" json:"mem_free"`
	SwapUsed   int64     `db:"swap_used" json:"swap_used"`
}

type DiskRecord struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	HostID     string    `db:"host_id"`
	CapturedAt time.Time `db:"captured_at"`
	Mount      string    `db:"mount"`
	FS         string    `db:"fs"`
	SizeBytes  int64     `db:"size_bytes"`
	UsedBytes  int64     `db:"used_bytes"`
}

// InterfaceRecord stores address lists comma separated.
type InterfaceRecord struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	HostID     string    `db:"host_id"`
	CapturedAt time.Time `db:"captured_at"`
	Name       string    `db:"name"`
	MAC        string    `db:"mac"`
	IPv4       string    `db:"ipv4"`
	IPv6       string    `db:"ipv6"`
	RxBytes    int64     `db:"rx_bytes"`
	TxBytes    int64     `db:"tx_bytes"`
}

type ProcessRecord struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	HostID     string    `db:"host_id"`
	CapturedAt time.Time `db:"captured_at"`
	PID        int64     `db:"pid"`
	Cmd        string    `db:"cmd"`
	CPUPct     float64   `db:"cpu_pct"`
	MemBytes   int64     `db:"mem_bytes"`
	User       string    `db:"usr"`
}

type PackageRecord struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	HostID     string    `db:"host_id"`
	CapturedAt time.Time `db:"captured_at"`
	Name       string    `db:"name"`
	Version    string    `db:"version"`
	Status     string    `db:"status"`
}

type UpdateSummaryRecord struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	HostID        string    `db:"host_id"`
	CapturedAt    time.Time `db:"captured_at"`
	SecurityCount int64     `db:"security_count"`
	RegularCount  int64     `db:"regular_count"`
}

type UpdateDetailRecord struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	HostID     string    `db:"host_id"`
	CapturedAt time.Time `db:"captured_at"`
	Name       string    `db:"name"`
	Current    string    `db:"current_version"`
	Candidate  string    `db:"candidate_version"`
	Security   bool      `db:"security"`
}

type LogRecord struct {
	ID         string    `db:"id"`
	TenantID   string    `db:"tenant_id"`
	HostID     string    `db:"host_id"`
	CapturedAt time.Time `db:"captured_at"`
	LoggedAt   time.Time `db:"logged_at"`
	Source     string    `db:"source"`
	Level      string    `db:"level"`
	Message    string    `db:"message"`
	Raw        string    `db:"raw"`
}

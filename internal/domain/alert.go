package domain

import "time"

// AlertType identifies the condition an alert tracks.
type AlertType string

const (
	AlertOffline         AlertType = "offline"
	AlertDiskUsage       AlertType = "disk_usage"
	AlertSecurityUpdates AlertType = "security_updates"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen    AlertStatus = "open"
	AlertCleared AlertStatus = "cleared"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// DiskUsageAlertPercent is the usage at or above which a mount raises a
// disk_usage alert.
const DiskUsageAlertPercent = 90.0

// Alert is a state record. At most one alert per (tenant, host, type) is
// open at any time. Alerts are cleared, never deleted.
type Alert struct {
	ID        string      `json:"id" db:"id"`
	TenantID  string      `json:"tenant_id" db:"tenant_id"`
	HostID    string      `json:"host_id" db:"host_id"`
	Type      AlertType   `json:"type" db:"type"`
	Severity  string      `json:"severity" db:"severity"`
	Message   string      `json:"message" db:"message"`
	Status    AlertStatus `json:"status" db:"status"`
	OpenedAt  time.Time   `json:"opened_at" db:"opened_at"`
	ClearedAt *time.Time  `json:"cleared_at,omitempty" db:"cleared_at"`
}

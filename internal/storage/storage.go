package storage

import (
	"context"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
)

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use. Every query that reads
// or writes host-scoped rows takes the tenant ID.
type Storage interface {
	// Close closes the storage connection.
	Close() error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Tenants
	CreateTenant(ctx context.Context, tenant *domain.Tenant) error
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	GetTenantBySecretHash(ctx context.Context, secretHash string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]*domain.Tenant, error)
	UpdateTenantSecretHash(ctx context.Context, id, secretHash string) error

	// Host credentials
	CreateHostCredential(ctx context.Context, cred *domain.HostCredential) error
	GetHostCredential(ctx context.Context, hostID string) (*domain.HostCredential, error)
	GetHostSigningKey(ctx context.Context, hostID string) (*domain.HostSigningKey, error)
	GetHostCredentialByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.HostCredential, error)
	ListHostCredentials(ctx context.Context, tenantID string) ([]*domain.HostCredential, error)
	UpdateHostFacts(ctx context.Context, cred *domain.HostCredential) error
	TouchHostLastSeen(ctx context.Context, tenantID, hostID string, seenAt time.Time) error
	// SwapRotationToken replaces oldToken with newToken only if oldToken is
	// still current. Returns domain.ErrNotFound when it is not.
	SwapRotationToken(ctx context.Context, tenantID, hostID, oldToken, newToken string, seenAt time.Time) error
	ListStaleHosts(ctx context.Context, tenantID string, cutoff time.Time) ([]*domain.HostCredential, error)

	// Replay nonces
	// InsertNonce returns domain.ErrAlreadyExists when the nonce was seen.
	InsertNonce(ctx context.Context, nonce *domain.ReplayNonce) error
	DeleteNoncesBefore(ctx context.Context, tenantID string, before time.Time) (int64, error)

	// Telemetry
	InsertHeartbeat(ctx context.Context, hb *domain.HeartbeatRecord) error
	InsertDisks(ctx context.Context, disks []*domain.DiskRecord) error
	InsertInterfaces(ctx context.Context, ifaces []*domain.InterfaceRecord) error
	InsertProcesses(ctx context.Context, procs []*domain.ProcessRecord) error
	InsertPackages(ctx context.Context, pkgs []*domain.PackageRecord) error
	InsertUpdateSummary(ctx context.Context, summary *domain.UpdateSummaryRecord) error
	InsertUpdateDetails(ctx context.Context, details []*domain.UpdateDetailRecord) error
	InsertLogs(ctx context.Context, logs []*domain.LogRecord) error
	// ListHeartbeats returns heartbeats captured in [from, to) ordered by
	// host, capture time and ID.
	ListHeartbeats(ctx context.Context, tenantID string, from, to time.Time) ([]*domain.HeartbeatRecord, error)
	CountHeartbeats(ctx context.Context, tenantID, hostID string) (int, error)

	// Alerts
	// OpenAlert inserts the alert unless one of the same type is already
	// open for the host. Reports whether a row was inserted.
	OpenAlert(ctx context.Context, alert *domain.Alert) (bool, error)
	ClearAlert(ctx context.Context, tenantID, hostID string, alertType domain.AlertType, at time.Time) (bool, error)
	// ClearAlertsForActiveHosts clears open alerts of alertType whose host
	// was seen at or after cutoff.
	ClearAlertsForActiveHosts(ctx context.Context, tenantID string, alertType domain.AlertType, cutoff, at time.Time) (int64, error)
	ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus) ([]*domain.Alert, error)

	// Rollups
	UpsertRollup(ctx context.Context, bucket *domain.RollupBucket) error
	// GetLatestRollupStart returns domain.ErrNotFound when no bucket of
	// that width exists for the tenant.
	GetLatestRollupStart(ctx context.Context, tenantID string, widthSeconds int64) (time.Time, error)
	ListRollups(ctx context.Context, tenantID, hostID string, widthSeconds int64) ([]*domain.RollupBucket, error)

	// Transaction support
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	Storage
	Commit() error
	Rollback() error
}

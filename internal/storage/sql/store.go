package sql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// insertChunk bounds the rows per multi-row INSERT so batches stay under
// the driver's bind variable limit.
const insertChunk = 500

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// ts normalises a timestamp before it is written or compared so both
// drivers store the same value.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New creates a new SQL store and applies pending migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Run migrations
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: s.driver}, nil
}

// Tx wraps a database transaction.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Close is a no-op for transactions (they should be committed or rolled back).
func (t *Tx) Close() error {
	return nil
}

// Ping is a no-op inside a transaction.
func (t *Tx) Ping(ctx context.Context) error {
	return nil
}

// BeginTx is not supported within a transaction.
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertRows runs a named multi-row INSERT in chunks.
func insertRows[T any](ctx context.Context, db dbInterface, query string, rows []T) error {
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		if _, err := sqlx.NamedExecContext(ctx, db, query, rows[start:end]); err != nil {
			return wrapUniqueError(err)
		}
	}
	return nil
}

// ============================================
// Tenants
// ============================================

const tenantColumns = `id, name, secret_hash, created_at`

func createTenant(ctx context.Context, db dbInterface, tenant *domain.Tenant) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, secret_hash, created_at) VALUES ($1, $2, $3, $4)`,
		tenant.ID, tenant.Name, tenant.SecretHash, ts(tenant.CreatedAt))
	return wrapUniqueError(err)
}

func (s *Store) CreateTenant(ctx context.Context, tenant *domain.Tenant) error {
	return createTenant(ctx, s.db, tenant)
}

func (t *Tx) CreateTenant(ctx context.Context, tenant *domain.Tenant) error {
	return createTenant(ctx, t.tx, tenant)
}

func getTenant(ctx context.Context, db dbInterface, query string, arg string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := db.GetContext(ctx, &tenant, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	return getTenant(ctx, s.db, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

func (t *Tx) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	return getTenant(ctx, t.tx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

func (s *Store) GetTenantBySecretHash(ctx context.Context, secretHash string) (*domain.Tenant, error) {
	return getTenant(ctx, s.db, `SELECT `+tenantColumns+` FROM tenants WHERE secret_hash = $1`, secretHash)
}

func (t *Tx) GetTenantBySecretHash(ctx context.Context, secretHash string) (*domain.Tenant, error) {
	return getTenant(ctx, t.tx, `SELECT `+tenantColumns+` FROM tenants WHERE secret_hash = $1`, secretHash)
}

func listTenants(ctx context.Context, db dbInterface) ([]*domain.Tenant, error) {
	var tenants []*domain.Tenant
	err := db.SelectContext(ctx, &tenants,
		`SELECT `+tenantColumns+` FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return tenants, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	return listTenants(ctx, s.db)
}

func (t *Tx) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	return listTenants(ctx, t.tx)
}

func updateTenantSecretHash(ctx context.Context, db dbInterface, id, secretHash string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE tenants SET secret_hash = $1 WHERE id = $2`, secretHash, id)
	if err != nil {
		return wrapUniqueError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateTenantSecretHash(ctx context.Context, id, secretHash string) error {
	return updateTenantSecretHash(ctx, s.db, id, secretHash)
}

func (t *Tx) UpdateTenantSecretHash(ctx context.Context, id, secretHash string) error {
	return updateTenantSecretHash(ctx, t.tx, id, secretHash)
}

// ============================================
// Host credentials
// ============================================

const hostColumns = `tenant_id, host_id, fingerprint, signing_secret, rotation_token, hostname,
	os_name, os_version, kernel, cpu_model, cpu_cores, mem_bytes, agent_version, enrolled_at, last_seen_at`

func createHostCredential(ctx context.Context, db dbInterface, c *domain.HostCredential) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO host_credentials (`+hostColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.TenantID, c.HostID, c.Fingerprint, c.SigningSecret, c.RotationToken, c.Hostname,
		c.OSName, c.OSVersion, c.Kernel, c.CPUModel, c.CPUCores, c.MemBytes, c.AgentVersion,
		ts(c.EnrolledAt), ts(c.LastSeenAt))
	return wrapUniqueError(err)
}

func (s *Store) CreateHostCredential(ctx context.Context, cred *domain.HostCredential) error {
	return createHostCredential(ctx, s.db, cred)
}

func (t *Tx) CreateHostCredential(ctx context.Context, cred *domain.HostCredential) error {
	return createHostCredential(ctx, t.tx, cred)
}

func getHostCredential(ctx context.Context, db dbInterface, query string, args ...any) (*domain.HostCredential, error) {
	var cred domain.HostCredential
	err := db.GetContext(ctx, &cred, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *Store) GetHostCredential(ctx context.Context, hostID string) (*domain.HostCredential, error) {
	return getHostCredential(ctx, s.db, `SELECT `+hostColumns+` FROM host_credentials WHERE host_id = $1`, hostID)
}

func (t *Tx) GetHostCredential(ctx context.Context, hostID string) (*domain.HostCredential, error) {
	return getHostCredential(ctx, t.tx, `SELECT `+hostColumns+` FROM host_credentials WHERE host_id = $1`, hostID)
}

func (s *Store) GetHostCredentialByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.HostCredential, error) {
	return getHostCredential(ctx, s.db,
		`SELECT `+hostColumns+` FROM host_credentials WHERE tenant_id = $1 AND fingerprint = $2`, tenantID, fingerprint)
}

func (t *Tx) GetHostCredentialByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.HostCredential, error) {
	return getHostCredential(ctx, t.tx,
		`SELECT `+hostColumns+` FROM host_credentials WHERE tenant_id = $1 AND fingerprint = $2`, tenantID, fingerprint)
}

func getHostSigningKey(ctx context.Context, db dbInterface, hostID string) (*domain.HostSigningKey, error) {
	var key domain.HostSigningKey
	err := db.GetContext(ctx, &key,
		`SELECT tenant_id, host_id, signing_secret FROM host_credentials WHERE host_id = $1`, hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) GetHostSigningKey(ctx context.Context, hostID string) (*domain.HostSigningKey, error) {
	return getHostSigningKey(ctx, s.db, hostID)
}

func (t *Tx) GetHostSigningKey(ctx context.Context, hostID string) (*domain.HostSigningKey, error) {
	return getHostSigningKey(ctx, t.tx, hostID)
}

func listHostCredentials(ctx context.Context, db dbInterface, query string, args ...any) ([]*domain.HostCredential, error) {
	var creds []*domain.HostCredential
	if err := db.SelectContext(ctx, &creds, query, args...); err != nil {
		return nil, err
	}
	return creds, nil
}

func (s *Store) ListHostCredentials(ctx context.Context, tenantID string) ([]*domain.HostCredential, error) {
	return listHostCredentials(ctx, s.db,
		`SELECT `+hostColumns+` FROM host_credentials WHERE tenant_id = $1 ORDER BY hostname, host_id`, tenantID)
}

func (t *Tx) ListHostCredentials(ctx context.Context, tenantID string) ([]*domain.HostCredential, error) {
	return listHostCredentials(ctx, t.tx,
		`SELECT `+hostColumns+` FROM host_credentials WHERE tenant_id = $1 ORDER BY hostname, host_id`, tenantID)
}

func (s *Store) ListStaleHosts(ctx context.Context, tenantID string, cutoff time.Time) ([]*domain.HostCredential, error) {
	return listHostCredentials(ctx, s.db,
		`SELECT `+hostColumns+` FROM host_credentials WHERE tenant_id = $1 AND last_seen_at < $2 ORDER BY host_id`,
		tenantID, ts(cutoff))
}

func (t *Tx) ListStaleHosts(ctx context.Context, tenantID string, cutoff time.Time) ([]*domain.HostCredential, error) {
	return listHostCredentials(ctx, t.tx,
		`SELECT `+hostColumns+` FROM host_credentials WHERE tenant_id = $1 AND last_seen_at < $2 ORDER BY host_id`,
		tenantID, ts(cutoff))
}

func updateHostFacts(ctx context.Context, db dbInterface, c *domain.HostCredential) error {
	result, err := db.ExecContext(ctx,
		`UPDATE host_credentials SET hostname = $1, os_name = $2, os_version = $3, kernel = $4,
		 cpu_model = $5, cpu_cores = $6, mem_bytes = $7, agent_version = $8, last_seen_at = $9
		 WHERE tenant_id = $10 AND host_id = $11`,
		c.Hostname, c.OSName, c.OSVersion, c.Kernel, c.CPUModel, c.CPUCores, c.MemBytes,
		c.AgentVersion, ts(c.LastSeenAt), c.TenantID, c.HostID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateHostFacts(ctx context.Context, cred *domain.HostCredential) error {
	return updateHostFacts(ctx, s.db, cred)
}

func (t *Tx) UpdateHostFacts(ctx context.Context, cred *domain.HostCredential) error {
	return updateHostFacts(ctx, t.tx, cred)
}

func touchHostLastSeen(ctx context.Context, db dbInterface, tenantID, hostID string, seenAt time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE host_credentials SET last_seen_at = $1 WHERE tenant_id = $2 AND host_id = $3`,
		ts(seenAt), tenantID, hostID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) TouchHostLastSeen(ctx context.Context, tenantID, hostID string, seenAt time.Time) error {
	return touchHostLastSeen(ctx, s.db, tenantID, hostID, seenAt)
}

func (t *Tx) TouchHostLastSeen(ctx context.Context, tenantID, hostID string, seenAt time.Time) error {
	return touchHostLastSeen(ctx, t.tx, tenantID, hostID, seenAt)
}

func swapRotationToken(ctx context.Context, db dbInterface, tenantID, hostID, oldToken, newToken string, seenAt time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE host_credentials SET rotation_token = $1, last_seen_at = $2
		 WHERE tenant_id = $3 AND host_id = $4 AND rotation_token = $5`,
		newToken, ts(seenAt), tenantID, hostID, oldToken)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) SwapRotationToken(ctx context.Context, tenantID, hostID, oldToken, newToken string, seenAt time.Time) error {
	return swapRotationToken(ctx, s.db, tenantID, hostID, oldToken, newToken, seenAt)
}

func (t *Tx) SwapRotationToken(ctx context.Context, tenantID, hostID, oldToken, newToken string, seenAt time.Time) error {
	return swapRotationToken(ctx, t.tx, tenantID, hostID, oldToken, newToken, seenAt)
}

// ============================================
// Replay nonces
// ============================================

func insertNonce(ctx context.Context, db dbInterface, n *domain.ReplayNonce) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO replay_nonces (tenant_id, host_id, nonce, observed_at) VALUES ($1, $2, $3, $4)`,
		n.TenantID, n.HostID, n.Nonce, ts(n.ObservedAt))
	return wrapUniqueError(err)
}

func (s *Store) InsertNonce(ctx context.Context, nonce *domain.ReplayNonce) error {
	return insertNonce(ctx, s.db, nonce)
}

func (t *Tx) InsertNonce(ctx context.Context, nonce *domain.ReplayNonce) error {
	return insertNonce(ctx, t.tx, nonce)
}

func deleteNoncesBefore(ctx context.Context, db dbInterface, tenantID string, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM replay_nonces WHERE tenant_id = $1 AND observed_at < $2`, tenantID, ts(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) DeleteNoncesBefore(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	return deleteNoncesBefore(ctx, s.db, tenantID, before)
}

func (t *Tx) DeleteNoncesBefore(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	return deleteNoncesBefore(ctx, t.tx, tenantID, before)
}

// ============================================
// Telemetry
// ============================================

func insertHeartbeat(ctx context.Context, db dbInterface, hb *domain.HeartbeatRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO heartbeats (id, tenant_id, host_id, captured_at, received_at, uptime_s,
		 load1, load5, load15, cpu_pct, mem_used, mem_free, swap_used)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		hb.ID, hb.TenantID, hb.HostID, ts(hb.CapturedAt), ts(hb.ReceivedAt), hb.UptimeS,
		hb.Load1, hb.Load5, hb.Load15, hb.CPUPct, hb.MemUsed, hb.MemFree, hb.SwapUsed)
	return wrapUniqueError(err)
}

func (s *Store) InsertHeartbeat(ctx context.Context, hb *domain.HeartbeatRecord) error {
	return insertHeartbeat(ctx, s.db, hb)
}

func (t *Tx) InsertHeartbeat(ctx context.Context, hb *domain.HeartbeatRecord) error {
	return insertHeartbeat(ctx, t.tx, hb)
}

const insertDisksQuery = `INSERT INTO disk_samples (id, tenant_id, host_id, captured_at, mount, fs, size_bytes, used_bytes)
	VALUES (:id, :tenant_id, :host_id, :captured_at, :mount, :fs, :size_bytes, :used_bytes)`

func (s *Store) InsertDisks(ctx context.Context, disks []*domain.DiskRecord) error {
	return insertRows(ctx, s.db, insertDisksQuery, disks)
}

func (t *Tx) InsertDisks(ctx context.Context, disks []*domain.DiskRecord) error {
	return insertRows(ctx, t.tx, insertDisksQuery, disks)
}

const insertInterfacesQuery = `INSERT INTO interface_samples (id, tenant_id, host_id, captured_at, name, mac, ipv4, ipv6, rx_bytes, tx_bytes)
	VALUES (:id, :tenant_id, :host_id, :captured_at, :name, :mac, :ipv4, :ipv6, :rx_bytes, :tx_bytes)`

func (s *Store) InsertInterfaces(ctx context.Context, ifaces []*domain.InterfaceRecord) error {
	return insertRows(ctx, s.db, insertInterfacesQuery, ifaces)
}

func (t *Tx) InsertInterfaces(ctx context.Context, ifaces []*domain.InterfaceRecord) error {
	return insertRows(ctx, t.tx, insertInterfacesQuery, ifaces)
}

const insertProcessesQuery = `INSERT INTO process_samples (id, tenant_id, host_id, captured_at, pid, cmd, cpu_pct, mem_bytes, usr)
	VALUES (:id, :tenant_id, :host_id, :captured_at, :pid, :cmd, :cpu_pct, :mem_bytes, :usr)`

func (s *Store) InsertProcesses(ctx context.Context, procs []*domain.ProcessRecord) error {
	return insertRows(ctx, s.db, insertProcessesQuery, procs)
}

func (t *Tx) InsertProcesses(ctx context.Context, procs []*domain.ProcessRecord) error {
	return insertRows(ctx, t.tx, insertProcessesQuery, procs)
}

const insertPackagesQuery = `INSERT INTO package_samples (id, tenant_id, host_id, captured_at, name, version, status)
	VALUES (:id, :tenant_id, :host_id, :captured_at, :name, :version, :status)`

func (s *Store) InsertPackages(ctx context.Context, pkgs []*domain.PackageRecord) error {
	return insertRows(ctx, s.db, insertPackagesQuery, pkgs)
}

func (t *Tx) InsertPackages(ctx context.Context, pkgs []*domain.PackageRecord) error {
	return insertRows(ctx, t.tx, insertPackagesQuery, pkgs)
}

func insertUpdateSummary(ctx context.Context, db dbInterface, u *domain.UpdateSummaryRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO update_summaries (id, tenant_id, host_id, captured_at, security_count, regular_count)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.TenantID, u.HostID, ts(u.CapturedAt), u.SecurityCount, u.RegularCount)
	return wrapUniqueError(err)
}

func (s *Store) InsertUpdateSummary(ctx context.Context, summary *domain.UpdateSummaryRecord) error {
	return insertUpdateSummary(ctx, s.db, summary)
}

func (t *Tx) InsertUpdateSummary(ctx context.Context, summary *domain.UpdateSummaryRecord) error {
	return insertUpdateSummary(ctx, t.tx, summary)
}

const insertUpdateDetailsQuery = `INSERT INTO update_details (id, tenant_id, host_id, captured_at, name, current_version, candidate_version, security)
	VALUES (:id, :tenant_id, :host_id, :captured_at, :name, :current_version, :candidate_version, :security)`

func (s *Store) InsertUpdateDetails(ctx context.Context, details []*domain.UpdateDetailRecord) error {
	return insertRows(ctx, s.db, insertUpdateDetailsQuery, details)
}

func (t *Tx) InsertUpdateDetails(ctx context.Context, details []*domain.UpdateDetailRecord) error {
	return insertRows(ctx, t.tx, insertUpdateDetailsQuery, details)
}

const insertLogsQuery = `INSERT INTO log_lines (id, tenant_id, host_id, captured_at, logged_at, source, level, message, raw)
	VALUES (:id, :tenant_id, :host_id, :captured_at, :logged_at, :source, :level, :message, :raw)`

func (s *Store) InsertLogs(ctx context.Context, logs []*domain.LogRecord) error {
	return insertRows(ctx, s.db, insertLogsQuery, logs)
}

func (t *Tx) InsertLogs(ctx context.Context, logs []*domain.LogRecord) error {
	return insertRows(ctx, t.tx, insertLogsQuery, logs)
}

const heartbeatColumns = `id, tenant_id, host_id, captured_at, received_at, uptime_s,
	load1, load5, load15, cpu_pct, mem_used, mem_free, swap_used`

func listHeartbeats(ctx context.Context, db dbInterface, tenantID string, from, to time.Time) ([]*domain.HeartbeatRecord, error) {
	var hbs []*domain.HeartbeatRecord
	err := db.SelectContext(ctx, &hbs,
		`SELECT `+heartbeatColumns+` FROM heartbeats
		 WHERE tenant_id = $1 AND captured_at >= $2 AND captured_at < $3
		 ORDER BY host_id, captured_at, id`,
		tenantID, ts(from), ts(to))
	if err != nil {
		return nil, err
	}
	return hbs, nil
}

func (s *Store) ListHeartbeats(ctx context.Context, tenantID string, from, to time.Time) ([]*domain.HeartbeatRecord, error) {
	return listHeartbeats(ctx, s.db, tenantID, from, to)
}

func (t *Tx) ListHeartbeats(ctx context.Context, tenantID string, from, to time.Time) ([]*domain.HeartbeatRecord, error) {
	return listHeartbeats(ctx, t.tx, tenantID, from, to)
}

func countHeartbeats(ctx context.Context, db dbInterface, tenantID, hostID string) (int, error) {
	var count int
	err := db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM heartbeats WHERE tenant_id = $1 AND host_id = $2`, tenantID, hostID)
	return count, err
}

func (s *Store) CountHeartbeats(ctx context.Context, tenantID, hostID string) (int, error) {
	return countHeartbeats(ctx, s.db, tenantID, hostID)
}

func (t *Tx) CountHeartbeats(ctx context.Context, tenantID, hostID string) (int, error) {
	return countHeartbeats(ctx, t.tx, tenantID, hostID)
}

// ============================================
// Alerts
// ============================================

const alertColumns = `id, tenant_id, host_id, type, severity, message, status, opened_at, cleared_at`

// openAlert relies on the partial unique index over open alerts; a
// conflicting insert is dropped.
func openAlert(ctx context.Context, db dbInterface, a *domain.Alert) (bool, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
		 ON CONFLICT DO NOTHING`,
		a.ID, a.TenantID, a.HostID, a.Type, a.Severity, a.Message, domain.AlertOpen, ts(a.OpenedAt))
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) OpenAlert(ctx context.Context, alert *domain.Alert) (bool, error) {
	return openAlert(ctx, s.db, alert)
}

func (t *Tx) OpenAlert(ctx context.Context, alert *domain.Alert) (bool, error) {
	return openAlert(ctx, t.tx, alert)
}

func clearAlert(ctx context.Context, db dbInterface, tenantID, hostID string, alertType domain.AlertType, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE alerts SET status = $1, cleared_at = $2
		 WHERE tenant_id = $3 AND host_id = $4 AND type = $5 AND status = $6`,
		domain.AlertCleared, ts(at), tenantID, hostID, alertType, domain.AlertOpen)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *Store) ClearAlert(ctx context.Context, tenantID, hostID string, alertType domain.AlertType, at time.Time) (bool, error) {
	return clearAlert(ctx, s.db, tenantID, hostID, alertType, at)
}

func (t *Tx) ClearAlert(ctx context.Context, tenantID, hostID string, alertType domain.AlertType, at time.Time) (bool, error) {
	return clearAlert(ctx, t.tx, tenantID, hostID, alertType, at)
}

func clearAlertsForActiveHosts(ctx context.Context, db dbInterface, tenantID string, alertType domain.AlertType, cutoff, at time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE alerts SET status = $1, cleared_at = $2
		 WHERE tenant_id = $3 AND type = $4 AND status = $5
		 AND host_id IN (
		     SELECT host_id FROM host_credentials WHERE tenant_id = $3 AND last_seen_at >= $6
		 )`,
		domain.AlertCleared, ts(at), tenantID, alertType, domain.AlertOpen, ts(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) ClearAlertsForActiveHosts(ctx context.Context, tenantID string, alertType domain.AlertType, cutoff, at time.Time) (int64, error) {
	return clearAlertsForActiveHosts(ctx, s.db, tenantID, alertType, cutoff, at)
}

func (t *Tx) ClearAlertsForActiveHosts(ctx context.Context, tenantID string, alertType domain.AlertType, cutoff, at time.Time) (int64, error) {
	return clearAlertsForActiveHosts(ctx, t.tx, tenantID, alertType, cutoff, at)
}

func listAlerts(ctx context.Context, db dbInterface, tenantID string, status domain.AlertStatus) ([]*domain.Alert, error) {
	var alerts []*domain.Alert
	var err error
	if status == "" {
		err = db.SelectContext(ctx, &alerts,
			`SELECT `+alertColumns+` FROM alerts WHERE tenant_id = $1 ORDER BY opened_at DESC, id`, tenantID)
	} else {
		err = db.SelectContext(ctx, &alerts,
			`SELECT `+alertColumns+` FROM alerts WHERE tenant_id = $1 AND status = $2 ORDER BY opened_at DESC, id`,
			tenantID, status)
	}
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Store) ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus) ([]*domain.Alert, error) {
	return listAlerts(ctx, s.db, tenantID, status)
}

func (t *Tx) ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus) ([]*domain.Alert, error) {
	return listAlerts(ctx, t.tx, tenantID, status)
}

// ============================================
// Rollups
// ============================================

const rollupColumns = `tenant_id, host_id, bucket_start, bucket_width_seconds, sample_count,
	cpu_mean, cpu_p95, load1_mean, load5_mean, load15_mean,
	mem_used_mean, mem_free_mean, swap_used_mean, computed_at`

func upsertRollup(ctx context.Context, db dbInterface, b *domain.RollupBucket) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO rollup_buckets (`+rollupColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (tenant_id, host_id, bucket_start, bucket_width_seconds) DO UPDATE SET
		     sample_count = excluded.sample_count,
		     cpu_mean = excluded.cpu_mean,
		     cpu_p95 = excluded.cpu_p95,
		     load1_mean = excluded.load1_mean,
		     load5_mean = excluded.load5_mean,
		     load15_mean = excluded.load15_mean,
		     mem_used_mean = excluded.mem_used_mean,
		     mem_free_mean = excluded.mem_free_mean,
		     swap_used_mean = excluded.swap_used_mean,
		     computed_at = excluded.computed_at`,
		b.TenantID, b.HostID, ts(b.BucketStart), b.WidthSeconds, b.SampleCount,
		b.CPUMean, b.CPUP95, b.Load1Mean, b.Load5Mean, b.Load15Mean,
		b.MemUsedMean, b.MemFreeMean, b.SwapUsedMean, ts(b.ComputedAt))
	return err
}

func (s *Store) UpsertRollup(ctx context.Context, bucket *domain.RollupBucket) error {
	return upsertRollup(ctx, s.db, bucket)
}

func (t *Tx) UpsertRollup(ctx context.Context, bucket *domain.RollupBucket) error {
	return upsertRollup(ctx, t.tx, bucket)
}

// getLatestRollupStart orders instead of using MAX so SQLite keeps the
// column's declared type and returns a timestamp.
func getLatestRollupStart(ctx context.Context, db dbInterface, tenantID string, widthSeconds int64) (time.Time, error) {
	var start time.Time
	err := db.GetContext(ctx, &start,
		`SELECT bucket_start FROM rollup_buckets
		 WHERE tenant_id = $1 AND bucket_width_seconds = $2
		 ORDER BY bucket_start DESC LIMIT 1`,
		tenantID, widthSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return start.UTC(), nil
}

func (s *Store) GetLatestRollupStart(ctx context.Context, tenantID string, widthSeconds int64) (time.Time, error) {
	return getLatestRollupStart(ctx, s.db, tenantID, widthSeconds)
}

func (t *Tx) GetLatestRollupStart(ctx context.Context, tenantID string, widthSeconds int64) (time.Time, error) {
	return getLatestRollupStart(ctx, t.tx, tenantID, widthSeconds)
}

func listRollups(ctx context.Context, db dbInterface, tenantID, hostID string, widthSeconds int64) ([]*domain.RollupBucket, error) {
	var buckets []*domain.RollupBucket
	err := db.SelectContext(ctx, &buckets,
		`SELECT `+rollupColumns+` FROM rollup_buckets
		 WHERE tenant_id = $1 AND host_id = $2 AND bucket_width_seconds = $3
		 ORDER BY bucket_start`,
		tenantID, hostID, widthSeconds)
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

func (s *Store) ListRollups(ctx context.Context, tenantID, hostID string, widthSeconds int64) ([]*domain.RollupBucket, error) {
	return listRollups(ctx, s.db, tenantID, hostID, widthSeconds)
}

func (t *Tx) ListRollups(ctx context.Context, tenantID, hostID string, widthSeconds int64) ([]*domain.RollupBucket, error) {
	return listRollups(ctx, t.tx, tenantID, hostID, widthSeconds)
}

var _ storage.Storage = (*Store)(nil)
var _ storage.Transaction = (*Tx)(nil)

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/storage"
)

// Store is an in-memory implementation of the storage interface for testing.
// Transactions are not isolated from concurrent readers but roll back fully.
type Store struct {
	ops
}

type nonceKey struct {
	tenantID, hostID, nonce string
}

type rollupKey struct {
	tenantID, hostID string
	start            int64
	width            int64
}

type data struct {
	mu sync.RWMutex

	tenants    map[string]*domain.Tenant         // key: id
	hosts      map[string]*domain.HostCredential // key: host id
	nonces     map[nonceKey]time.Time
	heartbeats []*domain.HeartbeatRecord
	disks      []*domain.DiskRecord
	ifaces     []*domain.InterfaceRecord
	procs      []*domain.ProcessRecord
	pkgs       []*domain.PackageRecord
	updates    []*domain.UpdateSummaryRecord
	details    []*domain.UpdateDetailRecord
	logs       []*domain.LogRecord
	alerts     []*domain.Alert
	rollups    map[rollupKey]*domain.RollupBucket

	failures map[string]error
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{ops{d: &data{
		tenants:  make(map[string]*domain.Tenant),
		hosts:    make(map[string]*domain.HostCredential),
		nonces:   make(map[nonceKey]time.Time),
		rollups:  make(map[rollupKey]*domain.RollupBucket),
		failures: make(map[string]error),
	}}}
}

func (s *Store) Close() error { return nil }

func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return &Tx{ops: ops{d: s.d, j: &journal{}}}, nil
}

// FailNext makes the next call to the named write operation return err.
func (s *Store) FailNext(op string, err error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.failures[op] = err
}

// Tx records an undo step for every write so Rollback can restore the
// previous state.
type Tx struct {
	ops
}

func (t *Tx) Close() error { return nil }

func (t *Tx) Commit() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.j.steps = nil
	return nil
}

func (t *Tx) Rollback() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	for i := len(t.j.steps) - 1; i >= 0; i-- {
		t.j.steps[i]()
	}
	t.j.steps = nil
	return nil
}

func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, domain.ErrInvalidInput
}

type journal struct {
	steps []func()
}

// record is called with the data lock held. A nil journal discards undo steps.
func (j *journal) record(undo func()) {
	if j != nil {
		j.steps = append(j.steps, undo)
	}
}

// ops implements every storage method; Store and Tx differ only in the journal.
type ops struct {
	d *data
	j *journal
}

// fail must be called with the data lock held.
func (o ops) fail(op string) error {
	if err, ok := o.d.failures[op]; ok {
		delete(o.d.failures, op)
		return err
	}
	return nil
}

func (o ops) Ping(ctx context.Context) error { return nil }

// ============================================
// Tenants
// ============================================

func (o ops) CreateTenant(ctx context.Context, tenant *domain.Tenant) error {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if err := o.fail("CreateTenant"); err != nil {
		return err
	}
	if _, exists := o.d.tenants[tenant.ID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, t := range o.d.tenants {
		if t.SecretHash == tenant.SecretHash {
			return domain.ErrAlreadyExists
		}
	}
	cp := *tenant
	o.d.tenants[tenant.ID] = &cp
	o.j.record(func() { delete(o.d.tenants, cp.ID) })
	return nil
}

func (o ops) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	t, ok := o.d.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (o ops) GetTenantBySecretHash(ctx context.Context, secretHash string) (*domain.Tenant, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	for _, t := range o.d.tenants {
		if t.SecretHash == secretHash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (o ops) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	tenants := make([]*domain.Tenant, 0, len(o.d.tenants))
	for _, t := range o.d.tenants {
		cp := *t
		tenants = append(tenants, &cp)
	}
	sort.Slice(tenants, func(i, j int) bool {
		if !tenants[i].CreatedAt.Equal(tenants[j].CreatedAt) {
			return tenants[i].CreatedAt.Before(tenants[j].CreatedAt)
		}
		return tenants[i].ID < tenants[j].ID
	})
	return tenants, nil
}

func (o ops) UpdateTenantSecretHash(ctx context.Context, id, secretHash string) error {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	t, ok := o.d.tenants[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, other := range o.d.tenants {
		if other.ID != id && other.SecretHash == secretHash {
			return domain.ErrAlreadyExists
		}
	}
	prev := t.SecretHash
	t.SecretHash = secretHash
	o.j.record(func() { t.SecretHash = prev })
	return nil
}

// ============================================
// Host credentials
// ============================================

func (o ops) CreateHostCredential(ctx context.Context, cred *domain.HostCredential) error {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if err := o.fail("CreateHostCredential"); err != nil {
		return err
	}
	if _, exists := o.d.hosts[cred.HostID]; exists {
		return domain.ErrAlreadyExists
	}
	for _, h := range o.d.hosts {
		if h.TenantID == cred.TenantID && h.Fingerprint == cred.Fingerprint {
			return domain.ErrAlreadyExists
		}
	}
	cp := *cred
	o.d.hosts[cred.HostID] = &cp
	o.j.record(func() { delete(o.d.hosts, cp.HostID) })
	return nil
}

func (o ops) GetHostCredential(ctx context.Context, hostID string) (*domain.HostCredential, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	h, ok := o.d.hosts[hostID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (o ops) GetHostSigningKey(ctx context.Context, hostID string) (*domain.HostSigningKey, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	h, ok := o.d.hosts[hostID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.HostSigningKey{TenantID: h.TenantID, HostID: h.HostID, SigningSecret: h.SigningSecret}, nil
}

func (o ops) GetHostCredentialByFingerprint(ctx context.Context, tenantID, fingerprint string) (*domain.HostCredential, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	for _, h := range o.d.hosts {
		if h.TenantID == tenantID && h.Fingerprint == fingerprint {
			cp := *h
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (o ops) listHosts(keep func(h *domain.HostCredential) bool) []*domain.HostCredential {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	hosts := make([]*domain.HostCredential, 0)
	for _, h := range o.d.hosts {
		if keep(h) {
			cp := *h
			hosts = append(hosts, &cp)
		}
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Hostname != hosts[j].Hostname {
			return hosts[i].Hostname < hosts[j].Hostname
		}
		return hosts[i].HostID < hosts[j].HostID
	})
	return hosts
}

func (o ops) ListHostCredentials(ctx context.Context, tenantID string) ([]*domain.HostCredential, error) {
	return o.listHosts(func(h *domain.HostCredential) bool { return h.TenantID == tenantID }), nil
}

func (o ops) ListStaleHosts(ctx context.Context, tenantID string, cutoff time.Time) ([]*domain.HostCredential, error) {
	return o.listHosts(func(h *domain.HostCredential) bool {
		return h.TenantID == tenantID && h.LastSeenAt.Before(cutoff)
	}), nil
}

// updateHost applies fn to the stored credential and journals the old value.
func (o ops) updateHost(op, tenantID, hostID string, fn func(h *domain.HostCredential) error) error {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if err := o.fail(op); err != nil {
		return err
	}
	h, ok := o.d.hosts[hostID]
	if !ok || h.TenantID != tenantID {
		return domain.ErrNotFound
	}
	prev := *h
	if err := fn(h); err != nil {
		return err
	}
	o.j.record(func() { *h = prev })
	return nil
}

func (o ops) UpdateHostFacts(ctx context.Context, cred *domain.HostCredential) error {
	return o.updateHost("UpdateHostFacts", cred.TenantID, cred.HostID, func(h *domain.HostCredential) error {
		h.Hostname = cred.Hostname
		h.OSName = cred.OSName
		h.OSVersion = cred.OSVersion
		h.Kernel = cred.Kernel
		h.CPUModel = cred.CPUModel
		h.CPUCores = cred.CPUCores
		h.MemBytes = cred.MemBytes
		h.AgentVersion = cred.AgentVersion
		h.LastSeenAt = cred.LastSeenAt
		return nil
	})
}

func (o ops) TouchHostLastSeen(ctx context.Context, tenantID, hostID string, seenAt time.Time) error {
	return o.updateHost("TouchHostLastSeen", tenantID, hostID, func(h *domain.HostCredential) error {
		h.LastSeenAt = seenAt
		return nil
	})
}

func (o ops) SwapRotationToken(ctx context.Context, tenantID, hostID, oldToken, newToken string, seenAt time.Time) error {
	return o.updateHost("SwapRotationToken", tenantID, hostID, func(h *domain.HostCredential) error {
		if h.RotationToken != oldToken {
			return domain.ErrNotFound
		}
		h.RotationToken = newToken
		h.LastSeenAt = seenAt
		return nil
	})
}

// ============================================
// Replay nonces
// ============================================

func (o ops) InsertNonce(ctx context.Context, nonce *domain.ReplayNonce) error {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if err := o.fail("InsertNonce"); err != nil {
		return err
	}
	key := nonceKey{nonce.TenantID, nonce.HostID, nonce.Nonce}
	if _, exists := o.d.nonces[key]; exists {
		return domain.ErrAlreadyExists
	}
	o.d.nonces[key] = nonce.ObservedAt
	o.j.record(func() { delete(o.d.nonces, key) })
	return nil
}

func (o ops) DeleteNoncesBefore(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	var deleted int64
	for key, observed := range o.d.nonces {
		if key.tenantID == tenantID && observed.Before(before) {
			delete(o.d.nonces, key)
			deleted++
			o.j.record(func() { o.d.nonces[key] = observed })
		}
	}
	return deleted, nil
}

// NonceCount returns the number of stored nonces.
func (s *Store) NonceCount() int {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return len(s.d.nonces)
}

// ============================================
// Telemetry
// ============================================

// appendRows appends rows to *dst and journals the truncation.
func appendRows[T any](o ops, op string, dst *[]T, rows ...T) error {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if err := o.fail(op); err != nil {
		return err
	}
	n := len(*dst)
	*dst = append(*dst, rows...)
	o.j.record(func() { *dst = (*dst)[:n] })
	return nil
}

func (o ops) InsertHeartbeat(ctx context.Context, hb *domain.HeartbeatRecord) error {
	cp := *hb
	return appendRows(o, "InsertHeartbeat", &o.d.heartbeats, &cp)
}

func (o ops) InsertDisks(ctx context.Context, disks []*domain.DiskRecord) error {
	return appendRows(o, "InsertDisks", &o.d.disks, disks...)
}

func (o ops) InsertInterfaces(ctx context.Context, ifaces []*domain.InterfaceRecord) error {
	return appendRows(o, "InsertInterfaces", &o.d.ifaces, ifaces...)
}

func (o ops) InsertProcesses(ctx context.Context, procs []*domain.ProcessRecord) error {
	return appendRows(o, "InsertProcesses", &o.d.procs, procs...)
}

func (o ops) InsertPackages(ctx context.Context, pkgs []*domain.PackageRecord) error {
	return appendRows(o, "InsertPackages", &o.d.pkgs, pkgs...)
}

func (o ops) InsertUpdateSummary(ctx context.Context, summary *domain.UpdateSummaryRecord) error {
	return appendRows(o, "InsertUpdateSummary", &o.d.updates, summary)
}

func (o ops) InsertUpdateDetails(ctx context.Context, details []*domain.UpdateDetailRecord) error {
	return appendRows(o, "InsertUpdateDetails", &o.d.details, details...)
}

func (o ops) InsertLogs(ctx context.Context, logs []*domain.LogRecord) error {
	return appendRows(o, "InsertLogs", &o.d.logs, logs...)
}

func (o ops) ListHeartbeats(ctx context.Context, tenantID string, from, to time.Time) ([]*domain.HeartbeatRecord, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	var hbs []*domain.HeartbeatRecord
	for _, hb := range o.d.heartbeats {
		if hb.TenantID == tenantID && !hb.CapturedAt.Before(from) && hb.CapturedAt.Before(to) {
			cp := *hb
			hbs = append(hbs, &cp)
		}
	}
	sort.Slice(hbs, func(i, j int) bool {
		a, b := hbs[i], hbs[j]
		if a.HostID != b.HostID {
			return a.HostID < b.HostID
		}
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.Before(b.CapturedAt)
		}
		return a.ID < b.ID
	})
	return hbs, nil
}

func (o ops) CountHeartbeats(ctx context.Context, tenantID, hostID string) (int, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	count := 0
	for _, hb := range o.d.heartbeats {
		if hb.TenantID == tenantID && hb.HostID == hostID {
			count++
		}
	}
	return count, nil
}

// RowCounts reports how many sub-records of each kind are stored.
func (s *Store) RowCounts() map[string]int {
	s.d.mu.RLock()
	defer s.d.mu.RUnlock()
	return map[string]int{
		"heartbeats":     len(s.d.heartbeats),
		"disks":          len(s.d.disks),
		"interfaces":     len(s.d.ifaces),
		"processes":      len(s.d.procs),
		"packages":       len(s.d.pkgs),
		"update_summary": len(s.d.updates),
		"update_details": len(s.d.details),
		"logs":           len(s.d.logs),
	}
}

// ============================================
// Alerts
// ============================================

func (o ops) OpenAlert(ctx context.Context, alert *domain.Alert) (bool, error) {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if err := o.fail("OpenAlert"); err != nil {
		return false, err
	}
	for _, a := range o.d.alerts {
		if a.TenantID == alert.TenantID && a.HostID == alert.HostID && a.Type == alert.Type && a.Status == domain.AlertOpen {
			return false, nil
		}
	}
	cp := *alert
	cp.Status = domain.AlertOpen
	cp.ClearedAt = nil
	n := len(o.d.alerts)
	o.d.alerts = append(o.d.alerts, &cp)
	o.j.record(func() { o.d.alerts = o.d.alerts[:n] })
	return true, nil
}

// clear must be called with the data lock held.
func (o ops) clear(a *domain.Alert, at time.Time) {
	prev := *a
	clearedAt := at
	a.Status = domain.AlertCleared
	a.ClearedAt = &clearedAt
	o.j.record(func() { *a = prev })
}

func (o ops) ClearAlert(ctx context.Context, tenantID, hostID string, alertType domain.AlertType, at time.Time) (bool, error) {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if err := o.fail("ClearAlert"); err != nil {
		return false, err
	}
	for _, a := range o.d.alerts {
		if a.TenantID == tenantID && a.HostID == hostID && a.Type == alertType && a.Status == domain.AlertOpen {
			o.clear(a, at)
			return true, nil
		}
	}
	return false, nil
}

func (o ops) ClearAlertsForActiveHosts(ctx context.Context, tenantID string, alertType domain.AlertType, cutoff, at time.Time) (int64, error) {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	var cleared int64
	for _, a := range o.d.alerts {
		if a.TenantID != tenantID || a.Type != alertType || a.Status != domain.AlertOpen {
			continue
		}
		h, ok := o.d.hosts[a.HostID]
		if !ok || h.TenantID != tenantID || h.LastSeenAt.Before(cutoff) {
			continue
		}
		o.clear(a, at)
		cleared++
	}
	return cleared, nil
}

func (o ops) ListAlerts(ctx context.Context, tenantID string, status domain.AlertStatus) ([]*domain.Alert, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	alerts := make([]*domain.Alert, 0)
	for _, a := range o.d.alerts {
		if a.TenantID == tenantID && (status == "" || a.Status == status) {
			cp := *a
			alerts = append(alerts, &cp)
		}
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].OpenedAt.Equal(alerts[j].OpenedAt) {
			return alerts[i].OpenedAt.After(alerts[j].OpenedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts, nil
}

// ============================================
// Rollups
// ============================================

func (o ops) UpsertRollup(ctx context.Context, bucket *domain.RollupBucket) error {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()
	if err := o.fail("UpsertRollup"); err != nil {
		return err
	}
	key := rollupKey{bucket.TenantID, bucket.HostID, bucket.BucketStart.Unix(), bucket.WidthSeconds}
	prev, existed := o.d.rollups[key]
	cp := *bucket
	o.d.rollups[key] = &cp
	o.j.record(func() {
		if existed {
			o.d.rollups[key] = prev
		} else {
			delete(o.d.rollups, key)
		}
	})
	return nil
}

func (o ops) GetLatestRollupStart(ctx context.Context, tenantID string, widthSeconds int64) (time.Time, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	var latest time.Time
	found := false
	for key, b := range o.d.rollups {
		if key.tenantID == tenantID && key.width == widthSeconds && (!found || b.BucketStart.After(latest)) {
			latest = b.BucketStart
			found = true
		}
	}
	if !found {
		return time.Time{}, domain.ErrNotFound
	}
	return latest.UTC(), nil
}

func (o ops) ListRollups(ctx context.Context, tenantID, hostID string, widthSeconds int64) ([]*domain.RollupBucket, error) {
	o.d.mu.RLock()
	defer o.d.mu.RUnlock()
	buckets := make([]*domain.RollupBucket, 0)
	for key, b := range o.d.rollups {
		if key.tenantID == tenantID && key.hostID == hostID && key.width == widthSeconds {
			cp := *b
			buckets = append(buckets, &cp)
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].BucketStart.Before(buckets[j].BucketStart) })
	return buckets, nil
}

var _ storage.Storage = (*Store)(nil)
var _ storage.Transaction = (*Tx)(nil)

package domain

import (
	"strings"
	"time"
)

// HostCredential is the durable identity and secret material of one
// enrolled host. (TenantID, Fingerprint) is unique.
type HostCredential struct {
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	HostID        string    `json:"host_id" db:"host_id"`
	Fingerprint   string    `json:"fingerprint" db:"fingerprint"`
	SigningSecret string    `json:"-" db:"signing_secret"`
	RotationToken string    `json:"-" db:"rotation_token"`
	Hostname      string    `json:"hostname" db:"hostname"`
	OSName        string    `json:"os_name" db:"os_name"`
	OSVersion     string    `json:"os_version" db:"os_version"`
	Kernel        string    `json:"kernel" db:"kernel"`
	CPUModel      string    `json:"cpu_model" db:"cpu_model"`
	CPUCores      int64     `json:"cpu_cores" db:"cpu_cores"`
	MemBytes      int64     `json:"mem_bytes" db:"mem_bytes"`
	AgentVersion  string    `json:"agent_version" db:"agent_version"`
	EnrolledAt    time.Time `json:"enrolled_at" db:"enrolled_at"`
	LastSeenAt    time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// HostSigningKey is the immutable subset of a HostCredential needed to
// authenticate a request. Safe to cache.
type HostSigningKey struct {
	TenantID      string `db:"tenant_id"`
	HostID        string `db:"host_id"`
	SigningSecret string `db:"signing_secret"`
}

// HostIdentity is a verified (tenant, host) pair.
type HostIdentity struct {
	TenantID string
	HostID   string
}

// OSInfo is the operating system part of the host facts.
type OSInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CPUInfo is the processor part of the host facts.
type CPUInfo struct {
	Model string `json:"model"`
	Cores int64  `json:"cores"`
}

// HostFacts are the self-reported descriptive facts of a host.
// The fingerprint falls back to machine_id for agents that only send that.
type HostFacts struct {
	Fingerprint  string            `json:"fingerprint,omitempty"`
	MachineID    string            `json:"machine_id,omitempty"`
	Hostname     string            `json:"hostname"`
	OS           OSInfo            `json:"os"`
	Kernel       string            `json:"kernel"`
	CPU          CPUInfo           `json:"cpu"`
	MemBytes     int64             `json:"mem_bytes"`
	AgentVersion string            `json:"agent_version"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// HardwareFingerprint returns the fingerprint used to identify the host
// within its tenant.
func (f *HostFacts) HardwareFingerprint() string {
	if fp := strings.TrimSpace(f.Fingerprint); fp != "" {
		return fp
	}
	return strings.TrimSpace(f.MachineID)
}

// ApplyTo overwrites the mutable facts of c.
func (f *HostFacts) ApplyTo(c *HostCredential) {
	c.Hostname = f.Hostname
	c.OSName = f.OS.Name
	c.OSVersion = f.OS.Version
	c.Kernel = f.Kernel
	c.CPUModel = f.CPU.Model
	c.CPUCores = f.CPU.Cores
	c.MemBytes = f.MemBytes
	c.AgentVersion = f.AgentVersion
}

// EnrollRequest is the request body for enrolling a host.
type EnrollRequest struct {
	TenantSecret string     `json:"tenant_secret"`
	HostFacts    *HostFacts `json:"host_facts"`
}

// EnrollResponse is returned on successful (re-)enrollment.
type EnrollResponse struct {
	HostID        string    `json:"host_id"`
	TenantID      string    `json:"tenant_id"`
	AccessToken   string    `json:"access_token"`
	RotationToken string    `json:"rotation_token"`
	SigningSecret string    `json:"signing_secret"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// RotateRequest is the request body for rotating a host's tokens.
type RotateRequest struct {
	HostID        string `json:"host_id"`
	RotationToken string `json:"rotation_token"`
}

// RotateResponse is returned on successful rotation.
type RotateResponse struct {
	AccessToken   string    `json:"access_token"`
	RotationToken string    `json:"rotation_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ReplayNonce records one accepted ingestion attempt.
// (TenantID, HostID, Nonce) is unique.
type ReplayNonce struct {
	TenantID   string    `db:"tenant_id"`
	HostID     string    `db:"host_id"`
	Nonce      string    `db:"nonce"`
	ObservedAt time.Time `db:"observed_at"`
}

// Package validation provides schema validation for enrollment facts and
// telemetry batches. Each check appends to a ValidationErrors list so a
// rejected document reports every violation at once.
package validation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bcnelson/hostbeat/internal/domain"
)

// Collection and string caps. Exceeding any of them rejects the whole batch.
const (
	MaxProcesses      = 50
	MaxLogs           = 200
	MaxDisks          = 64
	MaxInterfaces     = 64
	MaxPackages       = 5000
	MaxUpdateDetails  = 50
	MaxLogMessageLen  = 500
	MaxCmdLen         = 200
	MaxFingerprintLen = 256
	MaxNameLen        = 255
	MaxAddresses      = 64
)

// logLevels is the syslog level set, long and short spellings.
var logLevels = map[string]bool{
	"emergency": true,
	"emerg":     true,
	"alert":     true,
	"critical":  true,
	"crit":      true,
	"error":     true,
	"err":       true,
	"warning":   true,
	"warn":      true,
	"notice":    true,
	"info":      true,
	"debug":     true,
}

// checker accumulates violations for one document.
type checker struct {
	errs ValidationErrors
}

func (c *checker) required(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		c.errs.Add(field, value, "is required")
		return false
	}
	return true
}

func (c *checker) maxLen(field, value string, limit int) {
	if utf8.RuneCountInString(value) > limit {
		c.errs.Add(field, truncate(value, 32), fmt.Sprintf("must be at most %d characters", limit))
	}
}

func (c *checker) nonNegativeInt(field string, n int64) {
	if n < 0 {
		c.errs.Add(field, strconv.FormatInt(n, 10), "must not be negative")
	}
}

func (c *checker) nonNegativeFloat(field string, f float64) {
	if f < 0 {
		c.errs.Add(field, strconv.FormatFloat(f, 'g', -1, 64), "must not be negative")
	}
}

func (c *checker) percent(field string, f float64) {
	if f < 0 || f > 100 {
		c.errs.Add(field, strconv.FormatFloat(f, 'g', -1, 64), "must be between 0 and 100")
	}
}

// maxItems reports whether n is within the cap.
func (c *checker) maxItems(field string, n, limit int) bool {
	if n > limit {
		c.errs.Add(field, strconv.Itoa(n), fmt.Sprintf("must contain at most %d items", limit))
		return false
	}
	return true
}

func (c *checker) timestamp(field, value string) {
	if _, err := ParseTimestamp(value); err != nil {
		c.errs.Add(field, value, "must be an RFC 3339 timestamp")
	}
}

func (c *checker) oneOf(field, value string, allowed map[string]bool) {
	if !allowed[strings.ToLower(value)] {
		c.errs.Add(field, value, "is not a recognised value")
	}
}

func (c *checker) result() error {
	if c.errs.HasErrors() {
		return c.errs
	}
	return nil
}

// ParseTimestamp parses an RFC 3339 timestamp with optional fractional
// seconds and returns it in UTC.
func ParseTimestamp(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// ValidateHostFacts validates the facts presented at enrollment or carried
// in a batch. Violations are prefixed with prefix.
func ValidateHostFacts(prefix string, f *domain.HostFacts) error {
	c := &checker{}
	checkHostFacts(c, prefix, f)
	return c.result()
}

func checkHostFacts(c *checker, prefix string, f *domain.HostFacts) {
	if f == nil {
		c.errs.Add(prefix, "", "is required")
		return
	}
	if c.required(prefix+".fingerprint", f.HardwareFingerprint()) {
		c.maxLen(prefix+".fingerprint", f.HardwareFingerprint(), MaxFingerprintLen)
	}
	if c.required(prefix+".hostname", f.Hostname) {
		c.maxLen(prefix+".hostname", f.Hostname, MaxNameLen)
	}
	c.maxLen(prefix+".os.name", f.OS.Name, MaxNameLen)
	c.maxLen(prefix+".os.version", f.OS.Version, MaxNameLen)
	c.maxLen(prefix+".kernel", f.Kernel, MaxNameLen)
	c.maxLen(prefix+".cpu.model", f.CPU.Model, MaxNameLen)
	c.maxLen(prefix+".agent_version", f.AgentVersion, MaxNameLen)
	c.nonNegativeInt(prefix+".cpu.cores", f.CPU.Cores)
	c.nonNegativeInt(prefix+".mem_bytes", f.MemBytes)
}

// ValidateTelemetryBatch validates a decoded telemetry batch.
func ValidateTelemetryBatch(b *domain.TelemetryBatch) error {
	c := &checker{}

	if b.Server != nil {
		checkHostFacts(c, "server", b.Server)
	}

	if hb := b.Heartbeat; hb == nil {
		c.errs.Add("heartbeat", "", "is required")
	} else {
		if c.required("heartbeat.ts", hb.TS) {
			c.timestamp("heartbeat.ts", hb.TS)
		}
		c.nonNegativeInt("heartbeat.uptime_s", hb.UptimeS)
		c.nonNegativeFloat("heartbeat.load.m1", hb.Load.M1)
		c.nonNegativeFloat("heartbeat.load.m5", hb.Load.M5)
		c.nonNegativeFloat("heartbeat.load.m15", hb.Load.M15)
		c.percent("heartbeat.cpu_pct", hb.CPUPct)
		c.nonNegativeInt("heartbeat.mem.used", hb.Mem.Used)
		c.nonNegativeInt("heartbeat.mem.free", hb.Mem.Free)
		c.nonNegativeInt("heartbeat.mem.swap_used", hb.Mem.SwapUsed)
	}

	if c.maxItems("disks", len(b.Disks), MaxDisks) {
		for i, d := range b.Disks {
			field := fmt.Sprintf("disks[%d]", i)
			if c.required(field+".mount", d.Mount) {
				c.maxLen(field+".mount", d.Mount, MaxNameLen)
			}
			c.maxLen(field+".fs", d.FS, MaxNameLen)
			c.nonNegativeInt(field+".size_bytes", d.SizeBytes)
			c.nonNegativeInt(field+".used_bytes", d.UsedBytes)
		}
	}

	if c.maxItems("network_ifaces", len(b.Interfaces), MaxInterfaces) {
		for i, n := range b.Interfaces {
			field := fmt.Sprintf("network_ifaces[%d]", i)
			if c.required(field+".name", n.Name) {
				c.maxLen(field+".name", n.Name, MaxNameLen)
			}
			c.maxLen(field+".mac", n.MAC, MaxNameLen)
			c.maxItems(field+".ipv4", len(n.IPv4), MaxAddresses)
			c.maxItems(field+".ipv6", len(n.IPv6), MaxAddresses)
			c.nonNegativeInt(field+".rx_bytes", n.RxBytes)
			c.nonNegativeInt(field+".tx_bytes", n.TxBytes)
		}
	}

	if c.maxItems("processes", len(b.Processes), MaxProcesses) {
		for i, p := range b.Processes {
			field := fmt.Sprintf("processes[%d]", i)
			c.nonNegativeInt(field+".pid", p.PID)
			c.maxLen(field+".cmd", p.Cmd, MaxCmdLen)
			// Summed across cores, so it may exceed 100.
			c.nonNegativeFloat(field+".cpu_pct", p.CPUPct)
			c.nonNegativeInt(field+".mem_bytes", p.MemBytes)
			c.maxLen(field+".usr", p.User, MaxNameLen)
		}
	}

	if c.maxItems("packages", len(b.Packages), MaxPackages) {
		for i, p := range b.Packages {
			field := fmt.Sprintf("packages[%d]", i)
			if c.required(field+".name", p.Name) {
				c.maxLen(field+".name", p.Name, MaxNameLen)
			}
			c.maxLen(field+".version", p.Version, MaxNameLen)
			c.maxLen(field+".status", p.Status, MaxNameLen)
		}
	}

	if u := b.Updates; u != nil {
		c.nonNegativeInt("updates.security_updates_count", u.SecurityCount)
		c.nonNegativeInt("updates.regular_updates_count", u.RegularCount)
		if c.maxItems("updates.details", len(u.Details), MaxUpdateDetails) {
			for i, d := range u.Details {
				field := fmt.Sprintf("updates.details[%d]", i)
				if c.required(field+".name", d.Name) {
					c.maxLen(field+".name", d.Name, MaxNameLen)
				}
				c.maxLen(field+".current", d.Current, MaxNameLen)
				c.maxLen(field+".candidate", d.Candidate, MaxNameLen)
			}
		}
	}

	if c.maxItems("logs", len(b.Logs), MaxLogs) {
		for i, l := range b.Logs {
			field := fmt.Sprintf("logs[%d]", i)
			if l.TS != "" {
				c.timestamp(field+".ts", l.TS)
			}
			c.maxLen(field+".source", l.Source, MaxNameLen)
			c.oneOf(field+".level", l.Level, logLevels)
			c.maxLen(field+".message", l.Message, MaxLogMessageLen)
		}
	}

	return c.result()
}

// ValidateNonce checks the length bounds of a replay nonce.
func ValidateNonce(nonce string) error {
	if n := len(nonce); n < 8 || n > 128 {
		return NewValidationError("X-Nonce", truncate(nonce, 32), "must be between 8 and 128 characters")
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

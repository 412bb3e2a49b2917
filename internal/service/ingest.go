package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/metrics"
	"github.com/bcnelson/hostbeat/internal/storage"
	"github.com/bcnelson/hostbeat/internal/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IngestService validates telemetry batches and writes them atomically.
type IngestService struct {
	store   storage.Storage
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewIngestService creates a new IngestService.
func NewIngestService(store storage.Storage, m *metrics.Metrics, logger zerolog.Logger) *IngestService {
	return &IngestService{
		store:   store,
		metrics: m,
		logger:  logger.With().Str("component", "ingest").Logger(),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for received_at and last-seen stamps.
func (s *IngestService) WithClock(now func() time.Time) *IngestService {
	s.now = now
	return s
}

// DecodeBatch parses a JSON batch. Unknown fields are ignored. Malformed
// input is reported as a validation failure.
func DecodeBatch(body []byte) (*domain.TelemetryBatch, error) {
	var batch domain.TelemetryBatch
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&batch); err != nil {
		return nil, validation.ValidationErrors{
			validation.NewValidationError("body", "", fmt.Sprintf("must be a JSON object: %v", err)),
		}
	}
	if dec.More() {
		return nil, validation.ValidationErrors{
			validation.NewValidationError("body", "", "must contain a single JSON object"),
		}
	}
	return &batch, nil
}

// IngestRaw decodes body and ingests it for id.
func (s *IngestService) IngestRaw(ctx context.Context, id domain.HostIdentity, body []byte) (*domain.IngestResponse, error) {
	batch, err := DecodeBatch(body)
	if err != nil {
		s.metrics.IngestRejected("malformed")
		return nil, err
	}
	return s.Ingest(ctx, id, batch)
}

// Ingest validates batch and writes it with every sub-record and alert
// transition in one transaction.
func (s *IngestService) Ingest(ctx context.Context, id domain.HostIdentity, batch *domain.TelemetryBatch) (*domain.IngestResponse, error) {
	if err := validation.ValidateTelemetryBatch(batch); err != nil {
		s.metrics.IngestRejected("validation")
		return nil, err
	}

	capturedAt, err := validation.ParseTimestamp(batch.Heartbeat.TS)
	if err != nil {
		return nil, err
	}
	capturedAt = capturedAt.Truncate(time.Microsecond)
	receivedAt := s.now().UTC().Truncate(time.Microsecond)

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.write(ctx, tx, id, batch, capturedAt, receivedAt); err != nil {
		s.logger.Error().Err(err).
			Str("tenant_id", id.TenantID).
			Str("host_id", id.HostID).
			Msg("batch write failed")
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}

	s.metrics.IngestAccepted(id.TenantID)
	s.logger.Debug().
		Str("tenant_id", id.TenantID).
		Str("host_id", id.HostID).
		Time("captured_at", capturedAt).
		Int("processes", len(batch.Processes)).
		Int("logs", len(batch.Logs)).
		Msg("batch ingested")

	return &domain.IngestResponse{ReceivedAt: receivedAt.Format(time.RFC3339)}, nil
}

func (s *IngestService) write(ctx context.Context, tx storage.Transaction, id domain.HostIdentity, b *domain.TelemetryBatch, capturedAt, receivedAt time.Time) error {
	var err error
	if b.Server != nil {
		cred := &domain.HostCredential{TenantID: id.TenantID, HostID: id.HostID, LastSeenAt: receivedAt}
		b.Server.ApplyTo(cred)
		err = tx.UpdateHostFacts(ctx, cred)
	} else {
		err = tx.TouchHostLastSeen(ctx, id.TenantID, id.HostID, receivedAt)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrUnknownHost
		}
		return fmt.Errorf("updating host: %w", err)
	}

	hb := b.Heartbeat
	if err := tx.InsertHeartbeat(ctx, &domain.HeartbeatRecord{
		ID:         uuid.New().String(),
		TenantID:   id.TenantID,
		HostID:     id.HostID,
		CapturedAt: capturedAt,
		ReceivedAt: receivedAt,
		UptimeS:    hb.UptimeS,
		Load1:      hb.Load.M1,
		Load5:      hb.Load.M5,
		Load15:     hb.Load.M15,
		CPUPct:     hb.CPUPct,
		MemUsed:    hb.Mem.Used,
		MemFree:    hb.Mem.Free,
		SwapUsed:   hb.Mem.SwapUsed,
	}); err != nil {
		return fmt.Errorf("inserting heartbeat: %w", err)
	}

	if len(b.Disks) > 0 {
		rows := make([]*domain.DiskRecord, 0, len(b.Disks))
		for _, d := range b.Disks {
			rows = append(rows, &domain.DiskRecord{
				ID: uuid.New().String(), TenantID: id.TenantID, HostID: id.HostID, CapturedAt: capturedAt,
				Mount: d.Mount, FS: d.FS, SizeBytes: d.SizeBytes, UsedBytes: d.UsedBytes,
			})
		}
		if err := tx.InsertDisks(ctx, rows); err != nil {
			return fmt.Errorf("inserting disks: %w", err)
		}
	}

	if len(b.Interfaces) > 0 {
		rows := make([]*domain.InterfaceRecord, 0, len(b.Interfaces))
		for _, n := range b.Interfaces {
			rows = append(rows, &domain.InterfaceRecord{
				ID: uuid.New().String(), TenantID: id.TenantID, HostID: id.HostID, CapturedAt: capturedAt,
				Name: n.Name, MAC: n.MAC,
				IPv4: strings.Join(n.IPv4, ","), IPv6: strings.Join(n.IPv6, ","),
				RxBytes: n.RxBytes, TxBytes: n.TxBytes,
			})
		}
		if err := tx.InsertInterfaces(ctx, rows); err != nil {
			return fmt.Errorf("inserting interfaces: %w", err)
		}
	}

	if len(b.Processes) > 0 {
		rows := make([]*domain.ProcessRecord, 0, len(b.Processes))
		for _, p := range b.Processes {
			rows = append(rows, &domain.ProcessRecord{
				ID: uuid.New().String(), TenantID: id.TenantID, HostID: id.HostID, CapturedAt: capturedAt,
				PID: p.PID, Cmd: p.Cmd, CPUPct: p.CPUPct, MemBytes: p.MemBytes, User: p.User,
			})
		}
		if err := tx.InsertProcesses(ctx, rows); err != nil {
			return fmt.Errorf("inserting processes: %w", err)
		}
	}

	if len(b.Packages) > 0 {
		rows := make([]*domain.PackageRecord, 0, len(b.Packages))
		for _, p := range b.Packages {
			rows = append(rows, &domain.PackageRecord{
				ID: uuid.New().String(), TenantID: id.TenantID, HostID: id.HostID, CapturedAt: capturedAt,
				Name: p.Name, Version: p.Version, Status: p.Status,
			})
		}
		if err := tx.InsertPackages(ctx, rows); err != nil {
			return fmt.Errorf("inserting packages: %w", err)
		}
	}

	if u := b.Updates; u != nil {
		if err := tx.InsertUpdateSummary(ctx, &domain.UpdateSummaryRecord{
			ID: uuid.New().String(), TenantID: id.TenantID, HostID: id.HostID, CapturedAt: capturedAt,
			SecurityCount: u.SecurityCount, RegularCount: u.RegularCount,
		}); err != nil {
			return fmt.Errorf("inserting update summary: %w", err)
		}
		if len(u.Details) > 0 {
			rows := make([]*domain.UpdateDetailRecord, 0, len(u.Details))
			for _, d := range u.Details {
				rows = append(rows, &domain.UpdateDetailRecord{
					ID: uuid.New().String(), TenantID: id.TenantID, HostID: id.HostID, CapturedAt: capturedAt,
					Name: d.Name, Current: d.Current, Candidate: d.Candidate, Security: d.Security,
				})
			}
			if err := tx.InsertUpdateDetails(ctx, rows); err != nil {
				return fmt.Errorf("inserting update details: %w", err)
			}
		}
	}

	if len(b.Logs) > 0 {
		rows := make([]*domain.LogRecord, 0, len(b.Logs))
		for _, l := range b.Logs {
			loggedAt := capturedAt
			if l.TS != "" {
				if t, err := validation.ParseTimestamp(l.TS); err == nil {
					loggedAt = t.Truncate(time.Microsecond)
				}
			}
			rows = append(rows, &domain.LogRecord{
				ID: uuid.New().String(), TenantID: id.TenantID, HostID: id.HostID, CapturedAt: capturedAt,
				LoggedAt: loggedAt, Source: l.Source, Level: strings.ToLower(l.Level),
				Message: l.Message, Raw: string(l.Raw),
			})
		}
		if err := tx.InsertLogs(ctx, rows); err != nil {
			return fmt.Errorf("inserting logs: %w", err)
		}
	}

	return s.evaluateAlerts(ctx, tx, id, b, receivedAt)
}

// evaluateAlerts opens or clears the alerts derived from a single batch.
// A condition is only re-evaluated when the batch reports the section it
// depends on.
func (s *IngestService) evaluateAlerts(ctx context.Context, tx storage.Transaction, id domain.HostIdentity, b *domain.TelemetryBatch, at time.Time) error {
	if len(b.Disks) > 0 {
		var full []string
		for _, d := range b.Disks {
			if pct := d.UsedPercent(); pct >= domain.DiskUsageAlertPercent {
				full = append(full, fmt.Sprintf("%s %.1f%%", d.Mount, pct))
			}
		}
		sort.Strings(full)
		msg := ""
		if len(full) > 0 {
			msg = "disk usage at or above 90%: " + strings.Join(full, ", ")
		}
		if err := s.transition(ctx, tx, id, domain.AlertDiskUsage, domain.SeverityWarning, msg, at); err != nil {
			return err
		}
	}

	if u := b.Updates; u != nil {
		msg := ""
		if u.SecurityCount > 0 {
			msg = fmt.Sprintf("%d security updates pending", u.SecurityCount)
		}
		if err := s.transition(ctx, tx, id, domain.AlertSecurityUpdates, domain.SeverityWarning, msg, at); err != nil {
			return err
		}
	}
	return nil
}

// transition opens an alert when msg is set and clears it otherwise.
func (s *IngestService) transition(ctx context.Context, tx storage.Transaction, id domain.HostIdentity, t domain.AlertType, severity, msg string, at time.Time) error {
	if msg == "" {
		if _, err := tx.ClearAlert(ctx, id.TenantID, id.HostID, t, at); err != nil {
			return fmt.Errorf("clearing %s alert: %w", t, err)
		}
		return nil
	}
	_, err := tx.OpenAlert(ctx, &domain.Alert{
		ID:       uuid.New().String(),
		TenantID: id.TenantID,
		HostID:   id.HostID,
		Type:     t,
		Severity: severity,
		Message:  msg,
		Status:   domain.AlertOpen,
		OpenedAt: at,
	})
	if err != nil {
		return fmt.Errorf("opening %s alert: %w", t, err)
	}
	return nil
}

// Package audit implements the audit ledger every other component writes
// through.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"trustcore/internal/domain"
	"trustcore/internal/infra/tracer"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
	topIdentities      = 10
)

// Config holds the retention windows applied at write time.
type Config struct {
	StandardRetention time.Duration
	ExtendedRetention time.Duration
}

// DefaultConfig returns the three and seven year windows.
func DefaultConfig() Config {
	return Config{
		StandardRetention: 1095 * 24 * time.Hour,
		ExtendedRetention: 2555 * 24 * time.Hour,
	}
}

// Fallback receives events the store rejected and replays them later.
type Fallback interface {
	Append(ctx context.Context, event domain.AuditEvent) error
	Replay(ctx context.Context, store func(context.Context, domain.AuditEvent) error) (replayed, failed int, err error)
}

// Ledger is the durable, queryable audit log.
type Ledger struct {
	store    domain.AuditStore
	fallback Fallback // nil = log-only fallback
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

var _ domain.AuditRecorder = (*Ledger)(nil)

// NewLedger creates a ledger over store. fallback may be nil.
func NewLedger(store domain.AuditStore, fallback Fallback, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.StandardRetention <= 0 {
		cfg.StandardRetention = DefaultConfig().StandardRetention
	}
	if cfg.ExtendedRetention <= 0 {
		cfg.ExtendedRetention = DefaultConfig().ExtendedRetention
	}
	return &Ledger{
		store:    store,
		fallback: fallback,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Record persists event and returns its ID. It never fails: when the store
// rejects the write the event goes to the fallback, and when that fails too
// the event is written to the process log.
func (l *Ledger) Record(ctx context.Context, event domain.AuditEvent) string {
	now := l.now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.CreatedAt = event.CreatedAt.UTC()
	if event.ID == "" {
		event.ID = domain.NewID(event.CreatedAt)
	}
	if event.Category == "" {
		event.Category = domain.AuditCategorySystem
	}
	if event.Action == "" {
		event.Action = string(event.Type)
	}
	meta := domain.RequestMetaFromContext(ctx)
	if event.IPAddress == "" {
		event.IPAddress = meta.IPAddress
	}
	if event.UserAgent == "" {
		event.UserAgent = meta.UserAgent
	}
	if event.SessionID == "" {
		event.SessionID = meta.SessionID
	}
	event.RetentionUntil = event.CreatedAt.Add(l.retention(event.Category))

	if err := l.store.InsertAuditEvent(ctx, &event); err != nil {
		l.logger.Error("audit store write failed", "id", event.ID, "type", event.Type, "error", err)
		l.divert(ctx, event)
	}

	l.mirror(ctx, event)
	return event.ID
}

func (l *Ledger) divert(ctx context.Context, event domain.AuditEvent) {
	if l.fallback != nil {
		err := l.fallback.Append(ctx, event)
		if err == nil {
			return
		}
		l.logger.Error("audit emergency write failed", "id", event.ID, "error", err)
	}
	l.logger.Error("audit event not persisted",
		"id", event.ID,
		"type", event.Type,
		"category", event.Category,
		"action", event.Action,
		"identity_id", event.IdentityID,
		"credential_id", event.CredentialID,
		"success", event.Success,
		"created_at", event.CreatedAt,
		"error_message", event.ErrorMessage,
	)
}

func (l *Ledger) mirror(ctx context.Context, event domain.AuditEvent) {
	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "audit",
		"id", event.ID,
		"type", event.Type,
		"category", event.Category,
		"action", event.Action,
		"identity_id", event.IdentityID,
		"success", event.Success,
	)

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(
			tracer.StringAttr("audit.id", event.ID),
			tracer.StringAttr("audit.category", string(event.Category)),
			tracer.StringAttr("audit.action", event.Action),
			tracer.BoolAttr("audit.success", event.Success),
		))
	}
}

func (l *Ledger) retention(c domain.AuditCategory) time.Duration {
	if c.ExtendedRetention() {
		return l.cfg.ExtendedRetention
	}
	return l.cfg.StandardRetention
}

// RecordAuth records an authentication event.
func (l *Ledger) RecordAuth(ctx context.Context, typ domain.AuditEventType, identityID, action string, success bool, metadata map[string]any) string {
	return l.Record(ctx, domain.AuditEvent{
		Type: typ, Category: domain.AuditCategoryAuth, Action: action,
		IdentityID: identityID, Success: success, Metadata: metadata,
	})
}

// RecordSecurity records a security event tagged with severity.
func (l *Ledger) RecordSecurity(ctx context.Context, typ domain.AuditEventType, identityID, action, severity string, success bool, metadata map[string]any) string {
	md := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["severity"] = severity
	return l.Record(ctx, domain.AuditEvent{
		Type: typ, Category: domain.AuditCategorySecurity, Action: action,
		IdentityID: identityID, Success: success, Metadata: md,
	})
}

// RecordGDPR records a data-subject rights event.
func (l *Ledger) RecordGDPR(ctx context.Context, typ domain.AuditEventType, identityID, action string, success bool, metadata map[string]any) string {
	return l.Record(ctx, domain.AuditEvent{
		Type: typ, Category: domain.AuditCategoryGDPR, Action: action,
		IdentityID: identityID, Success: success, Metadata: metadata,
	})
}

// APIAccess describes one request served on behalf of a credential.
type APIAccess struct {
	CredentialID  string
	IdentityID    string
	Endpoint      string
	Method        string
	StatusCode    int
	Elapsed       time.Duration
	RequestBytes  int64
	ResponseBytes int64
}

// RecordAPIAccess records a served API request. Status codes from 200 up to
// but excluding 400 count as success.
func (l *Ledger) RecordAPIAccess(ctx context.Context, a APIAccess) string {
	return l.Record(ctx, domain.AuditEvent{
		Type:         domain.AuditAPIRequest,
		Category:     domain.AuditCategoryAPI,
		Action:       a.Method + "_" + a.Endpoint,
		IdentityID:   a.IdentityID,
		CredentialID: a.CredentialID,
		Success:      a.StatusCode >= 200 && a.StatusCode < 400,
		Resource:     a.Endpoint,
		Metadata: map[string]any{
			"endpoint":            a.Endpoint,
			"method":              a.Method,
			"response_code":       a.StatusCode,
			"processing_time_ms":  float64(a.Elapsed) / float64(time.Millisecond),
			"request_size_bytes":  a.RequestBytes,
			"response_size_bytes": a.ResponseBytes,
		},
	})
}

// RecordCompliance records a compliance event; these carry the extended
// retention window.
func (l *Ledger) RecordCompliance(ctx context.Context, typ domain.AuditEventType, identityID, action string, success bool, metadata map[string]any) string {
	return l.Record(ctx, domain.AuditEvent{
		Type: typ, Category: domain.AuditCategoryCompliance, Action: action,
		IdentityID: identityID, Success: success, Metadata: metadata,
	})
}

// Search returns one page of events matching f, newest first.
func (l *Ledger) Search(ctx context.Context, f domain.AuditFilter, limit, offset int) (_ *domain.AuditPage, err error) {
	ctx, span := tracer.StartSpan(ctx, "audit.Search")
	defer func() { tracer.Finish(span, err) }()

	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	if offset < 0 {
		offset = 0
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return nil, domain.NewSubSystemError(domain.SubSystemAudit, "Ledger.Search", domain.ErrValidation, "end before start")
	}

	events, total, err := l.store.SearchAuditEvents(ctx, f, limit, offset)
	if err != nil {
		return nil, domain.StorageError(domain.SubSystemAudit, "Ledger.Search", err)
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	return &domain.AuditPage{
		Events:  events,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(events) < total,
	}, nil
}

// ExportIdentity returns every retained event about identityID, newest first.
func (l *Ledger) ExportIdentity(ctx context.Context, identityID string) ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	for offset := 0; ; offset += maxSearchLimit {
		events, total, err := l.store.SearchAuditEvents(ctx, domain.AuditFilter{IdentityID: identityID}, maxSearchLimit, offset)
		if err != nil {
			return nil, domain.StorageError(domain.SubSystemAudit, "Ledger.ExportIdentity", err)
		}
		out = append(out, events...)
		if len(events) == 0 || offset+len(events) >= total {
			return out, nil
		}
	}
}

// Report aggregates the events created in [start, end]. An empty categories
// list covers every category. The generation itself is audited.
func (l *Ledger) Report(ctx context.Context, start, end time.Time, categories []domain.AuditCategory) (_ *domain.ComplianceReport, err error) {
	ctx, span := tracer.StartSpan(ctx, "audit.Report")
	defer func() { tracer.Finish(span, err) }()

	if end.Before(start) {
		return nil, domain.NewSubSystemError(domain.SubSystemAudit, "Ledger.Report", domain.ErrValidation, "end before start")
	}
	events, err := l.store.AuditEventsBetween(ctx, start, end, categories)
	if err != nil {
		l.RecordCompliance(ctx, domain.AuditReport, "", "generate_report", false, map[string]any{"error": err.Error()})
		return nil, domain.StorageError(domain.SubSystemAudit, "Ledger.Report", err)
	}

	r := buildReport(events, start.UTC(), end.UTC(), categories)
	r.GeneratedAt = l.now().UTC()

	l.RecordCompliance(ctx, domain.AuditReport, "", "generate_report", true, map[string]any{
		"start":        r.Start.Format(time.RFC3339),
		"end":          r.End.Format(time.RFC3339),
		"total_events": r.TotalEvents,
	})
	return r, nil
}

func buildReport(events []domain.AuditEvent, start, end time.Time, categories []domain.AuditCategory) *domain.ComplianceReport {
	r := &domain.ComplianceReport{
		Start:      start,
		End:        end,
		Categories: categories,
		ByCategory: map[string]int{},
		ByType:     map[string]int{},
		Daily:      map[string]int{},
		Security:   domain.SecurityAnalysis{Incidents: []domain.AuditEvent{}},
	}
	perIdentity := map[string]int{}

	for _, e := range events {
		r.TotalEvents++
		if e.Success {
			r.Successful++
		} else {
			r.Failed++
		}
		r.ByCategory[string(e.Category)]++
		r.ByType[string(e.Type)]++
		r.Daily[e.CreatedAt.UTC().Format(time.DateOnly)]++
		if e.IdentityID != "" {
			perIdentity[e.IdentityID]++
		}

		if e.Type == domain.AuditLogin && !e.Success {
			r.Security.FailedLogins++
		}
		if e.Category == domain.AuditCategorySecurity {
			r.Security.SecurityEvents++
			if isIncident(e) {
				r.Security.Incidents = append(r.Security.Incidents, e)
			}
		}
	}

	if r.TotalEvents > 0 {
		rate := float64(r.Successful) * 100 / float64(r.TotalEvents)
		r.SuccessRate = math.Round(rate*100) / 100
	}

	r.TopIdentity = make([]domain.CountEntry, 0, len(perIdentity))
	for id, n := range perIdentity {
		r.TopIdentity = append(r.TopIdentity, domain.CountEntry{Key: id, Count: n})
	}
	sort.Slice(r.TopIdentity, func(i, j int) bool {
		if r.TopIdentity[i].Count != r.TopIdentity[j].Count {
			return r.TopIdentity[i].Count > r.TopIdentity[j].Count
		}
		return r.TopIdentity[i].Key < r.TopIdentity[j].Key
	})
	if len(r.TopIdentity) > topIdentities {
		r.TopIdentity = r.TopIdentity[:topIdentities]
	}
	return r
}

// isIncident reports whether a security event counts as an incident: it
// failed, or it was tagged high or critical.
func isIncident(e domain.AuditEvent) bool {
	if !e.Success {
		return true
	}
	switch e.Severity() {
	case domain.SeverityHigh, domain.SeverityCritical:
		return true
	}
	return false
}

// SweepExpired deletes events whose retention ended strictly before now and
// records one summary event.
func (l *Ledger) SweepExpired(ctx context.Context) (_ int, err error) {
	ctx, span := tracer.StartSpan(ctx, "audit.SweepExpired")
	defer func() { tracer.Finish(span, err) }()

	now := l.now().UTC()
	n, err := l.store.DeleteAuditEventsBefore(ctx, now)
	if err != nil {
		l.Record(ctx, domain.AuditEvent{
			Type: domain.AuditRetentionSweep, Category: domain.AuditCategorySystem,
			Action: "retention_sweep", Success: false, ErrorMessage: err.Error(),
		})
		return 0, domain.StorageError(domain.SubSystemAudit, "Ledger.SweepExpired", err)
	}
	span.SetAttributes(tracer.IntAttr("audit.deleted", n))

	l.Record(ctx, domain.AuditEvent{
		Type: domain.AuditRetentionSweep, Category: domain.AuditCategorySystem,
		Action: "retention_sweep", Success: true,
		Metadata: map[string]any{"deleted": n, "cutoff": now.Format(time.RFC3339Nano)},
	})
	l.logger.Info("audit retention sweep", "deleted", n)
	return n, nil
}

// RecoverEmergency replays events parked in the fallback into the store.
// Events that already reached the store count as replayed.
func (l *Ledger) RecoverEmergency(ctx context.Context) (int, error) {
	if l.fallback == nil {
		return 0, nil
	}
	replayed, failed, err := l.fallback.Replay(ctx, func(ctx context.Context, e domain.AuditEvent) error {
		err := l.store.InsertAuditEvent(ctx, &e)
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return err
	})
	if err != nil {
		return replayed, fmt.Errorf("replay emergency audit log: %w", err)
	}
	if replayed > 0 || failed > 0 {
		l.Record(ctx, domain.AuditEvent{
			Type: domain.AuditEmergencyReplay, Category: domain.AuditCategorySystem,
			Action: "emergency_replay", Success: failed == 0,
			Metadata: map[string]any{"replayed": replayed, "failed": failed},
		})
		l.logger.Info("emergency audit events replayed", "replayed", replayed, "failed", failed)
	}
	return replayed, nil
}

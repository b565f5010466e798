package mediator

import (
	"context"
	"sync"
	"time"

	"github.com/buskeeper/buskeeper/core/audit"
	"github.com/buskeeper/buskeeper/core/busconn"
	"github.com/buskeeper/buskeeper/core/infra/logging"
	"github.com/buskeeper/buskeeper/core/infra/metrics"
	"github.com/buskeeper/buskeeper/core/mediation"
	"github.com/buskeeper/buskeeper/core/policy"
	"github.com/buskeeper/buskeeper/core/privilege"
)

// Reply is the outcome of one mediated operation. Body is only set for
// executed (allowed) operations; Token only for require_confirmation.
type Reply struct {
	Verdict    policy.Verdict `json:"verdict"`
	Category   string         `json:"category"`
	Reason     string         `json:"reason,omitempty"`
	Token      string         `json:"token,omitempty"`
	RetryAfter int            `json:"retry_after,omitempty"`
	Body       []any          `json:"body,omitempty"`
}

// Options wires a Service together. Engine, Store, Confirmations, Limiter
// and Auditor are required; Bus and Privileged may be nil in tests that
// never reach execution.
type Options struct {
	Engine        *policy.Engine
	Store         *policy.Store
	Confirmations *policy.Confirmations
	Limiter       *policy.Limiter
	Bus           *busconn.Manager
	Privileged    *privilege.Mediator
	Auditor       *audit.Logger
	Stream        *audit.Stream
	Metrics       metrics.Metrics
}

// Service is the mediation entry point: every candidate operation flows
// through Invoke or Confirm, and every verdict is audited exactly once.
type Service struct {
	engine        *policy.Engine
	store         *policy.Store
	confirmations *policy.Confirmations
	limiter       *policy.Limiter
	bus           *busconn.Manager
	privileged    *privilege.Mediator
	auditor       *audit.Logger
	stream        *audit.Stream
	metrics       metrics.Metrics
	started       time.Time

	statsMu    sync.Mutex
	byVerdict  map[string]uint64
	byCategory map[string]uint64
}

func NewService(opts Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Service{
		engine:        opts.Engine,
		store:         opts.Store,
		confirmations: opts.Confirmations,
		limiter:       opts.Limiter,
		bus:           opts.Bus,
		privileged:    opts.Privileged,
		auditor:       opts.Auditor,
		stream:        opts.Stream,
		metrics:       opts.Metrics,
		started:       time.Now(),
		byVerdict:     make(map[string]uint64),
		byCategory:    make(map[string]uint64),
	}
}

// Invoke decides and, when allowed, executes one operation. args carry the
// call payload; they never enter the decision, the audit record or the
// rate-limit key, only the execution.
func (s *Service) Invoke(ctx context.Context, op policy.Operation, args []any) (Reply, error) {
	dec := s.engine.Decide(op)
	s.track(dec)

	switch dec.Verdict {
	case policy.VerdictAllow:
		return s.execute(ctx, op, dec, args)

	case policy.VerdictRequireConfirmation:
		if err := s.record(op, dec, "", 0, nil); err != nil {
			return s.auditVeto(op, dec, err)
		}
		return replyFor(dec), nil

	case policy.VerdictForbidden:
		if err := s.record(op, dec, "", 0, nil); err != nil {
			return s.auditVeto(op, dec, err)
		}
		return replyFor(dec), mediation.New(mediation.CodeForbidden, dec.Category, dec.Reason)

	default: // deny
		if err := s.record(op, dec, "", 0, nil); err != nil {
			return s.auditVeto(op, dec, err)
		}
		return replyFor(dec), denialError(dec)
	}
}

// Confirm consumes a single-use confirmation token and, when the
// re-validated decision still allows it, executes the pending operation.
// args are re-supplied by the caller; tokens never store payloads.
func (s *Service) Confirm(ctx context.Context, token string, args []any) (Reply, error) {
	pc, err := s.confirmations.Consume(token)
	if err != nil {
		s.recordRejectedConfirmation(token, pc, err)
		return Reply{Verdict: policy.VerdictDeny, Category: pc.Category, Reason: "confirmation rejected"}, err
	}

	dec := s.engine.DecideConfirmed(pc)
	s.track(dec)
	if dec.Verdict != policy.VerdictAllow {
		if recErr := s.record(pc.Operation, dec, "", 0, nil); recErr != nil {
			return s.auditVeto(pc.Operation, dec, recErr)
		}
		return replyFor(dec), denialError(dec)
	}
	return s.execute(ctx, pc.Operation, dec, args)
}

// execute runs an allowed operation and audits the final outcome exactly
// once. In strict audit mode the record is written before dispatch so an
// operation that cannot be audited never runs; otherwise the record is
// written after execution and carries the outcome.
func (s *Service) execute(ctx context.Context, op policy.Operation, dec policy.Decision, args []any) (Reply, error) {
	if s.auditor != nil && s.auditor.Strict() {
		if err := s.record(op, dec, "", 0, nil); err != nil {
			return s.auditVeto(op, dec, err)
		}
		body, execErr := s.dispatch(ctx, op, dec, args)
		return s.executedReply(dec, body, execErr)
	}

	body, execErr := s.dispatch(ctx, op, dec, args)
	state, code := executionOutcome(dec, execErr)
	detail := map[string]string(nil)
	if execErr != nil {
		detail = map[string]string{"error": execErr.Error()}
	}
	if err := s.record(op, dec, state, code, detail); err != nil {
		logging.Error("mediator", "audit write failed", "op", op.String(), "err", err)
	}
	return s.executedReply(dec, body, execErr)
}

func (s *Service) dispatch(ctx context.Context, op policy.Operation, dec policy.Decision, args []any) ([]any, error) {
	if dec.Privileged {
		if s.privileged == nil {
			return nil, mediation.New(mediation.CodeExecutorFailure, dec.Category, "no privileged executor configured")
		}
		res, err := s.privileged.Execute(ctx, op, dec.Category, args)
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	}
	if s.bus == nil {
		return nil, mediation.New(mediation.CodeTransportError, dec.Category, "no bus connection configured")
	}
	return s.bus.Call(ctx, op.Bus, op.Target, "", op.Interface, op.Method, args...)
}

func (s *Service) executedReply(dec policy.Decision, body []any, execErr error) (Reply, error) {
	reply := replyFor(dec)
	reply.Body = body
	if execErr != nil {
		reply.Reason = execErr.Error()
		return reply, execErr
	}
	return reply, nil
}

// auditVeto converts a verdict to deny when strict auditing cannot record
// it. The original decision is logged locally so it is not silently lost.
func (s *Service) auditVeto(op policy.Operation, dec policy.Decision, cause error) (Reply, error) {
	logging.Error("mediator", "strict audit veto", "op", op.String(), "verdict", string(dec.Verdict), "err", cause)
	reply := Reply{
		Verdict:  policy.VerdictDeny,
		Category: dec.Category,
		Reason:   "audit log unavailable",
	}
	return reply, mediation.Wrap(mediation.CodeInternal, dec.Category, "audit log unavailable", cause)
}

func (s *Service) record(op policy.Operation, dec policy.Decision, privState string, execCode int, detail map[string]string) error {
	if s.auditor == nil {
		return nil
	}
	return s.auditor.Record(audit.Record{
		Time:            time.Now().UTC(),
		Bus:             string(op.Bus),
		Target:          op.Target,
		Interface:       op.Interface,
		Method:          op.Method,
		ArgSummary:      op.ArgSummary,
		Origin:          op.Origin,
		Category:        dec.Category,
		Verdict:         string(dec.Verdict),
		Reason:          dec.Reason,
		PrivilegedState: privState,
		ExecutorCode:    execCode,
		Detail:          audit.SanitizeDetail(detail),
	})
}

// recordRejectedConfirmation audits a denied token redemption. An expired
// token still carries its operation; an unknown or spent one does not, so the
// record falls back to the presented token for correlation.
func (s *Service) recordRejectedConfirmation(token string, pc policy.PendingConfirmation, cause error) {
	cat := pc.Category
	if cat == "" {
		cat = policy.UncategorizedName
	}
	dec := policy.Decision{
		Verdict:  policy.VerdictDeny,
		Category: cat,
		Reason:   cause.Error(),
	}
	s.track(dec)
	detail := map[string]string{"confirmation": token}
	if err := s.record(pc.Operation, dec, "", 0, detail); err != nil {
		logging.Error("mediator", "audit write failed", "confirmation", token, "err", err)
	}
}

func (s *Service) track(dec policy.Decision) {
	s.metrics.IncDecision(dec.Category, string(dec.Verdict))
	if dec.RateLimited {
		s.metrics.IncRateLimited(dec.Category)
	}
	s.statsMu.Lock()
	s.byVerdict[string(dec.Verdict)]++
	s.byCategory[dec.Category]++
	s.statsMu.Unlock()
}

// ReloadPolicy atomically replaces the catalog. A malformed catalog is
// rejected in full and the running snapshot stays in effect.
func (s *Service) ReloadPolicy(data []byte) error {
	catalog, err := policy.ParseCatalog(data)
	if err != nil {
		return mediation.Wrap(mediation.CodeCatalogReload, "", "catalog rejected, previous policy still active", err)
	}
	s.store.Swap(catalog)
	logging.Info("mediator", "policy catalog reloaded", "categories", len(catalog.Categories))
	return nil
}

// ReloadPolicyFile reloads the catalog from a path.
func (s *Service) ReloadPolicyFile(path string) error {
	catalog, err := policy.LoadCatalog(path)
	if err != nil {
		return mediation.Wrap(mediation.CodeCatalogReload, "", "catalog rejected, previous policy still active", err)
	}
	s.store.Swap(catalog)
	logging.Info("mediator", "policy catalog reloaded", "path", path, "categories", len(catalog.Categories))
	return nil
}

// StatusReport is the operational snapshot served on the ops endpoint.
type StatusReport struct {
	Tier                 string             `json:"tier"`
	UptimeSeconds        int64              `json:"uptime_seconds"`
	Decisions            map[string]uint64  `json:"decisions"`
	Categories           map[string]uint64  `json:"categories"`
	RateWindows          []policy.Occupancy `json:"rate_windows"`
	PendingConfirmations int                `json:"pending_confirmations"`
	AuditSeq             uint64             `json:"audit_seq"`
	AuditDropped         uint64             `json:"audit_dropped"`
	AuditStrict          bool               `json:"audit_strict"`
	SessionBusConnected  bool               `json:"session_bus_connected"`
	SystemBusConnected   bool               `json:"system_bus_connected"`
	RecentAudit          []audit.Record     `json:"recent_audit,omitempty"`
}

// Status reports counters, rate-limit occupancy and connection state.
// recentAudit > 0 additionally includes the newest audit records.
func (s *Service) Status(recentAudit int) StatusReport {
	s.statsMu.Lock()
	verdicts := make(map[string]uint64, len(s.byVerdict))
	for k, v := range s.byVerdict {
		verdicts[k] = v
	}
	categories := make(map[string]uint64, len(s.byCategory))
	for k, v := range s.byCategory {
		categories[k] = v
	}
	s.statsMu.Unlock()

	report := StatusReport{
		Tier:          s.engine.Tier().String(),
		UptimeSeconds: int64(time.Since(s.started) / time.Second),
		Decisions:     verdicts,
		Categories:    categories,
	}
	if s.limiter != nil {
		report.RateWindows = s.limiter.Snapshot()
	}
	if s.confirmations != nil {
		report.PendingConfirmations = s.confirmations.PendingCount()
	}
	if s.auditor != nil {
		report.AuditSeq = s.auditor.Seq()
		report.AuditDropped = s.auditor.Dropped()
		report.AuditStrict = s.auditor.Strict()
	}
	if s.bus != nil {
		report.SessionBusConnected = s.bus.Connected(policy.BusSession)
		report.SystemBusConnected = s.bus.Connected(policy.BusSystem)
	}
	if recentAudit > 0 && s.stream != nil {
		report.RecentAudit = s.stream.Recent(recentAudit)
	}
	return report
}

// ListServices returns the names registered on a bus scope, for the ops
// endpoint. It goes through the connection manager so backoff and timeouts
// apply like any other bus traffic.
func (s *Service) ListServices(ctx context.Context, scope policy.BusScope) ([]string, error) {
	if s.bus == nil {
		return nil, mediation.New(mediation.CodeTransportError, "", "no bus connection configured")
	}
	return s.bus.ListNames(ctx, scope)
}

func replyFor(dec policy.Decision) Reply {
	return Reply{
		Verdict:    dec.Verdict,
		Category:   dec.Category,
		Reason:     dec.Reason,
		Token:      dec.Token,
		RetryAfter: dec.RetryAfter,
	}
}

func denialError(dec policy.Decision) error {
	if dec.RateLimited {
		err := mediation.New(mediation.CodeRateLimited, dec.Category, dec.Reason)
		err.RetryAfter = time.Duration(dec.RetryAfter) * time.Second
		return err
	}
	if dec.Category == policy.UncategorizedName {
		return mediation.New(mediation.CodeUncategorized, dec.Category, dec.Reason)
	}
	if dec.Verdict == policy.VerdictForbidden {
		return mediation.New(mediation.CodeForbidden, dec.Category, dec.Reason)
	}
	return mediation.New(mediation.CodePolicyDenied, dec.Category, dec.Reason)
}

func executionOutcome(dec policy.Decision, execErr error) (string, int) {
	if !dec.Privileged {
		return "", 0
	}
	if execErr != nil {
		return string(privilege.StateFailed), failureCode(execErr)
	}
	return string(privilege.StateCompleted), 0
}

func failureCode(err error) int {
	switch mediation.CodeOf(err) {
	case mediation.CodeAuthorizationDenied:
		return 3
	case mediation.CodeAuthorizationTimeout:
		return 4
	default:
		return 2
	}
}

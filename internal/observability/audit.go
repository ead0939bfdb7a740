package observability

import (
	"context"
	"time"
)

// Auditor emits structured audit records for tool executions. Read-only tools
// log at debug, mutating and destructive tools at info, so a production broker
// with info-level logging keeps a trail of every state-changing action.
type Auditor struct {
	logger  *Logger
	enabled bool
}

// NewAuditor creates an audit recorder backed by the structured logger.
func NewAuditor(logger *Logger, enabled bool) *Auditor {
	return &Auditor{logger: logger, enabled: enabled}
}

// Enabled reports whether audit records are being emitted.
func (a *Auditor) Enabled() bool {
	return a != nil && a.enabled && a.logger != nil
}

// AuditEvent captures one tool execution for the audit trail.
type AuditEvent struct {
	Tool       string
	SessionID  string
	SideEffect string // read-only, mutating, destructive
	Outcome    string // ok, error, blocked
	Duration   time.Duration
	Detail     string
}

// RecordTool writes one audit record. The principal, when present on the
// context, is attached so operators can answer "who did what".
func (a *Auditor) RecordTool(ctx context.Context, event AuditEvent) {
	if !a.Enabled() {
		return
	}

	args := []any{
		"audit", true,
		"tool", event.Tool,
		"session_id", event.SessionID,
		"side_effect", event.SideEffect,
		"outcome", event.Outcome,
		"duration_ms", event.Duration.Milliseconds(),
	}
	if principal := PrincipalFromContext(ctx); principal != "" {
		args = append(args, "principal", principal)
	}
	if event.Detail != "" {
		args = append(args, "detail", event.Detail)
	}

	if event.SideEffect == "read-only" {
		a.logger.Debug("tool executed", args...)
		return
	}
	a.logger.Info("tool executed", args...)
}

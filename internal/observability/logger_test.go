package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestLoggerWithContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: buf})

	ctx := ContextWithTraceID(context.Background(), "trace-1")
	ctx = ContextWithSessionID(ctx, "session-1")

	logger.InfoContext(ctx, "hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-1"`) {
		t.Fatalf("expected trace_id in output, got %q", out)
	}
	if !strings.Contains(out, `"session_id":"session-1"`) {
		t.Fatalf("expected session_id in output, got %q", out)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: buf})

	logger.Debug("quiet")
	logger.Info("quiet")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Fatalf("expected debug/info suppressed, got %q", out)
	}
	if !strings.Contains(out, "loud") {
		t.Fatalf("expected warn line, got %q", out)
	}
}

func TestAuditorRecordsMutatingAtInfo(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: buf})
	auditor := NewAuditor(logger, true)

	ctx := ContextWithPrincipal(context.Background(), "apikey:ops")
	auditor.RecordTool(ctx, AuditEvent{
		Tool:       "browser_click",
		SessionID:  "s1",
		SideEffect: "mutating",
		Outcome:    "ok",
		Duration:   25 * time.Millisecond,
	})

	out := buf.String()
	if !strings.Contains(out, `"tool":"browser_click"`) {
		t.Fatalf("expected tool name in audit record, got %q", out)
	}
	if !strings.Contains(out, `"principal":"apikey:ops"`) {
		t.Fatalf("expected principal in audit record, got %q", out)
	}
}

func TestAuditorReadOnlyAtDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: buf})
	auditor := NewAuditor(logger, true)

	auditor.RecordTool(context.Background(), AuditEvent{
		Tool:       "browser_snapshot",
		SideEffect: "read-only",
		Outcome:    "ok",
	})

	if buf.Len() != 0 {
		t.Fatalf("read-only audit records should be debug-level, got %q", buf.String())
	}
}

func TestAuditorDisabled(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: buf})
	auditor := NewAuditor(logger, false)

	auditor.RecordTool(context.Background(), AuditEvent{Tool: "browser_click", SideEffect: "mutating"})

	if buf.Len() != 0 {
		t.Fatalf("disabled auditor must not log, got %q", buf.String())
	}
}

package tools

import (
	"context"
	"time"

	"drover/internal/apperr"
	"drover/internal/observability"
	"drover/internal/session"
)

// networkIdleBudget bounds the post-action wait when a tool asks for it.
const networkIdleBudget = 30 * time.Second

// Dispatcher executes tools against sessions.
type Dispatcher struct {
	registry *Registry
	deps     *Deps
}

// NewDispatcher wires a dispatcher over a frozen registry.
func NewDispatcher(registry *Registry, deps *Deps) *Dispatcher {
	return &Dispatcher{registry: registry, deps: deps}
}

// Registry exposes the catalog for the transport's tools/list and openapi.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute runs one tool call on a session: resolve, validate, resolve ref,
// run under the session lock, then apply post-actions. Tool calls on the same
// session serialize; distinct sessions proceed in parallel.
func (d *Dispatcher) Execute(ctx context.Context, sess *session.Session, name string, args map[string]any) (result *Result, err error) {
	started := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = string(apperr.KindOf(err))
		}
		d.deps.Metrics.RecordToolExecution(ctx, name, status, time.Since(started))
	}()

	tool, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := d.registry.ValidateInput(name, args); err != nil {
		return nil, err
	}

	defer func() {
		d.audit(ctx, tool, sess, started, err)
	}()

	err = sess.Do(ctx, func(ctx context.Context) error {
		call := &Call{Session: sess, Args: args, Deps: d.deps}

		if tool.RequiresRef {
			tab, terr := sess.CurrentTab()
			if terr != nil {
				return terr
			}
			call.Tab = tab
			ref, rerr := stringArg(args, "ref")
			if rerr != nil {
				return rerr
			}
			entry, rerr := sess.Snapshots.Resolve(tab.ID, ref)
			if rerr != nil {
				return rerr
			}
			call.Ref = entry
		}

		var herr error
		result, herr = d.runHandler(ctx, tool, call)
		if herr != nil {
			return herr
		}

		if result.WaitForNetwork {
			if tab, terr := sess.CurrentTab(); terr == nil {
				if werr := tab.Page.WaitForNetworkIdle(ctx, networkIdleBudget); werr != nil {
					d.deps.Log.Debug("network idle wait for %s: %v", name, werr)
				}
			}
		}
		if result.CaptureSnapshot {
			if snapErr := d.refreshSnapshot(ctx, sess); snapErr != nil {
				d.deps.Log.Warn("snapshot refresh after %s: %v", name, snapErr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runHandler converts a handler panic into an internal error rather than
// taking the broker down with one bad tool.
func (d *Dispatcher) runHandler(ctx context.Context, tool *Tool, call *Call) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.KindInternal, "tool %s panicked: %v", tool.Name, r)
		}
	}()

	// Read-only tools retry transient driver faults wholesale; mutating and
	// destructive handlers run once (those that can safely retry a driver
	// call wrap it in apperr.Retry themselves).
	if tool.SideEffect != ReadOnly {
		return tool.Handler(ctx, call)
	}
	rerr := apperr.RetryWithLog(ctx, apperr.DefaultRetryConfig(), func(ctx context.Context) error {
		var herr error
		result, herr = tool.Handler(ctx, call)
		return herr
	}, d.deps.Log)
	return result, rerr
}

// refreshSnapshot captures a fresh accessibility snapshot of the current tab.
func (d *Dispatcher) refreshSnapshot(ctx context.Context, sess *session.Session) error {
	tab, err := sess.CurrentTab()
	if err != nil {
		return err
	}
	tree, err := tab.Page.AXTree(ctx)
	if err != nil {
		return err
	}
	sess.Snapshots.Capture(tab.ID, tree)
	return nil
}

func (d *Dispatcher) audit(ctx context.Context, tool *Tool, sess *session.Session, started time.Time, err error) {
	outcome := "ok"
	detail := ""
	if err != nil {
		outcome = "error"
		if apperr.Is(err, apperr.KindBlocked) {
			outcome = "blocked"
		}
		detail = err.Error()
	}
	d.deps.Auditor.RecordTool(ctx, observability.AuditEvent{
		Tool:       tool.Name,
		SessionID:  sess.ID,
		SideEffect: string(tool.SideEffect),
		Outcome:    outcome,
		Duration:   time.Since(started),
		Detail:     detail,
	})
}

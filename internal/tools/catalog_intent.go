package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/sergi/go-diff/diffmatchpatch"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/session"
)

// intentAction is one parsed high-level instruction.
type intentAction struct {
	Action  string `json:"action"`
	URL     string `json:"url,omitempty"`
	Element string `json:"element,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Text    string `json:"text,omitempty"`
	Key     string `json:"key,omitempty"`
	Seconds int    `json:"seconds,omitempty"`
}

func registerIntent(r *Registry) {
	r.Register(&Tool{
		Name:        "browser_execute_intent",
		Description: "Experimental: run one JSON intent ({action, url|ref|text|key}) against the page; malformed JSON is repaired before parsing",
		Capability:  CapAIIntent,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"intent": stringProp("Intent as JSON, e.g. {\"action\":\"navigate\",\"url\":\"https://example.com\"}"),
		}, "intent"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			raw, err := stringArg(call.Args, "intent")
			if err != nil {
				return nil, err
			}
			action, err := parseIntent(raw)
			if err != nil {
				return nil, err
			}
			summary, err := applyIntent(ctx, call.Session, action)
			if err != nil {
				return nil, err
			}
			return Text("%s", summary).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_execute_workflow",
		Description: "Experimental: run an ordered list of intents, stopping at the first failure",
		Capability:  CapAIIntent,
		SideEffect:  Mutating,
		InputSchema: objectSchema(map[string]any{
			"steps": arrayProp("Intents, each a JSON string or object", map[string]any{}),
		}, "steps"),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			rawSteps, ok := call.Args["steps"].([]any)
			if !ok || len(rawSteps) == 0 {
				return nil, apperr.New(apperr.KindBadInput, "steps must be a non-empty array")
			}
			var b strings.Builder
			for i, rawStep := range rawSteps {
				action, err := parseWorkflowStep(rawStep)
				if err != nil {
					return nil, apperr.Wrap(apperr.KindBadInput, err, "step %d", i+1)
				}
				summary, err := applyIntent(ctx, call.Session, action)
				if err != nil {
					fmt.Fprintf(&b, "%d. FAILED %s: %v\n", i+1, action.Action, err)
					return Text("%s", strings.TrimRight(b.String(), "\n")).WithSnapshot(),
						apperr.Wrap(apperr.KindOf(err), err, "workflow stopped at step %d", i+1)
				}
				fmt.Fprintf(&b, "%d. %s\n", i+1, summary)
			}
			return Text("%s", strings.TrimRight(b.String(), "\n")).WithSnapshot(), nil
		},
	})

	r.Register(&Tool{
		Name:        "browser_analyze_context",
		Description: "Experimental: re-snapshot the page and summarize what changed since the previous snapshot",
		Capability:  CapAIIntent,
		SideEffect:  ReadOnly,
		InputSchema: emptySchema(),
		Handler: func(ctx context.Context, call *Call) (*Result, error) {
			tab, err := call.Session.EnsureTab(ctx)
			if err != nil {
				return nil, err
			}
			previous := ""
			if snap, ok := call.Session.Snapshots.Current(tab.ID); ok {
				previous = snap.Text
			}
			ax, err := tab.Page.AXTree(ctx)
			if err != nil {
				return nil, err
			}
			current := call.Session.Snapshots.Capture(tab.ID, ax)
			if previous == "" {
				return Text("No previous snapshot to compare against.\n\n%s", current.Text), nil
			}
			return Text("%s", summarizeDiff(previous, current.Text)), nil
		},
	})
}

// parseIntent decodes an intent, running the raw string through JSON repair
// when strict parsing fails.
func parseIntent(raw string) (intentAction, error) {
	var action intentAction
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return intentAction{}, apperr.New(apperr.KindBadInput, "intent is not parseable JSON: %v", err)
		}
		if err := json.Unmarshal([]byte(repaired), &action); err != nil {
			return intentAction{}, apperr.Wrap(apperr.KindBadInput, err, "intent is not parseable JSON even after repair")
		}
	}
	if action.Action == "" {
		return intentAction{}, apperr.New(apperr.KindBadInput, "intent has no action field")
	}
	return action, nil
}

func parseWorkflowStep(raw any) (intentAction, error) {
	switch v := raw.(type) {
	case string:
		return parseIntent(v)
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return intentAction{}, err
		}
		return parseIntent(string(data))
	default:
		return intentAction{}, fmt.Errorf("step must be a string or object, got %T", raw)
	}
}

// applyIntent maps one intent onto driver operations. Ref-addressed actions
// resolve through the current snapshot, so stale refs fail the same way the
// primitive tools do.
func applyIntent(ctx context.Context, sess *session.Session, action intentAction) (string, error) {
	tab, err := sess.EnsureTab(ctx)
	if err != nil {
		return "", err
	}
	switch action.Action {
	case "navigate":
		if action.URL == "" {
			return "", apperr.New(apperr.KindBadInput, "navigate intent needs a url")
		}
		if err := tab.Page.Navigate(ctx, action.URL); err != nil {
			return "", err
		}
		return "Navigated to " + action.URL, nil
	case "back":
		return "Navigated back", tab.Page.Back(ctx)
	case "forward":
		return "Navigated forward", tab.Page.Forward(ctx)
	case "reload":
		return "Reloaded", tab.Page.Reload(ctx)
	case "click":
		entry, err := sess.Snapshots.Resolve(tab.ID, action.Ref)
		if err != nil {
			return "", err
		}
		if err := tab.Page.ClickNode(ctx, entry.BackendID, browser.ClickOptions{}); err != nil {
			return "", err
		}
		return "Clicked " + intentTarget(action, entry.Name), nil
	case "type":
		entry, err := sess.Snapshots.Resolve(tab.ID, action.Ref)
		if err != nil {
			return "", err
		}
		if err := tab.Page.TypeNode(ctx, entry.BackendID, action.Text, browser.TypeOptions{Clear: true}); err != nil {
			return "", err
		}
		return "Typed into " + intentTarget(action, entry.Name), nil
	case "press_key":
		if action.Key == "" {
			return "", apperr.New(apperr.KindBadInput, "press_key intent needs a key")
		}
		if err := tab.Page.PressKey(ctx, action.Key, nil); err != nil {
			return "", err
		}
		return "Pressed " + action.Key, nil
	case "wait":
		seconds := action.Seconds
		if seconds <= 0 {
			seconds = 1
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		select {
		case <-time.After(time.Duration(seconds) * time.Second):
		case <-ctx.Done():
			return "", apperr.Wrap(apperr.KindTimeout, ctx.Err(), "wait interrupted")
		}
		return fmt.Sprintf("Waited %d seconds", seconds), nil
	case "snapshot":
		ax, err := tab.Page.AXTree(ctx)
		if err != nil {
			return "", err
		}
		sess.Snapshots.Capture(tab.ID, ax)
		return "Snapshot captured", nil
	default:
		return "", apperr.New(apperr.KindBadInput, "unknown intent action %q", action.Action)
	}
}

func intentTarget(action intentAction, fallback string) string {
	if action.Element != "" {
		return action.Element
	}
	if fallback != "" {
		return fallback
	}
	return action.Ref
}

// summarizeDiff renders a compact change summary between two snapshot texts.
const maxDiffFragments = 12

func summarizeDiff(previous, current string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(previous, current, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	added, removed := 0, 0
	var fragments []string
	for _, d := range diffs {
		text := strings.TrimSpace(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
			if text != "" && len(fragments) < maxDiffFragments {
				fragments = append(fragments, "+ "+truncateLine(text))
			}
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
			if text != "" && len(fragments) < maxDiffFragments {
				fragments = append(fragments, "- "+truncateLine(text))
			}
		}
	}
	if added == 0 && removed == 0 {
		return "Page is unchanged since the previous snapshot."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Changed since previous snapshot: %d characters added, %d removed.\n", added, removed)
	for _, fragment := range fragments {
		b.WriteString(fragment)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " | ")
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}

package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"drover/internal/apperr"
	"drover/internal/observability"
)

// Report is the full crawl record: aggregate stats, visited states, errors,
// and the site graph. Nodes and edges use string ids; the site graph has
// cycles and is never held as a pointer structure.
type Report struct {
	CrawlID   string      `json:"crawlId"`
	SessionID string      `json:"sessionId"`
	StartURL  string      `json:"startUrl"`
	Goal      string      `json:"goal,omitempty"`
	StartedAt time.Time   `json:"startedAt"`
	EndedAt   time.Time   `json:"endedAt"`
	Status    Status      `json:"status"`
	Stats     Stats       `json:"stats"`
	States    []PageState `json:"states"`
	Errors    []StepError `json:"errors"`
	Graph     Graph       `json:"graph"`
}

// StepError is one recoverable failure kept in the report.
type StepError struct {
	At     time.Time `json:"at"`
	Action Action    `json:"action"`
	Rule   string    `json:"rule,omitempty"`
	Error  string    `json:"error"`
}

type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

type GraphNode struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Reporter accumulates a Report during the crawl loop and writes it out on
// finalize. Not safe for concurrent use; only the crawl goroutine touches it.
type Reporter struct {
	report Report
	nodes  map[string]struct{}
	edges  map[[2]string]struct{}
	log    *observability.Logger
}

func NewReporter(crawlID, sessionID string, opts Options, log *observability.Logger) *Reporter {
	return &Reporter{
		report: Report{
			CrawlID:   crawlID,
			SessionID: sessionID,
			StartURL:  opts.StartURL,
			Goal:      opts.Goal,
			StartedAt: time.Now().UTC(),
			Status:    StatusRunning,
		},
		nodes: map[string]struct{}{},
		edges: map[[2]string]struct{}{},
		log:   log,
	}
}

// RecordVisit adds a visited page and its outgoing links to the report.
func (r *Reporter) RecordVisit(state PageState, obs Observation) {
	r.report.States = append(r.report.States, state)
	r.report.Stats.PagesVisited++
	r.report.Stats.TotalLinks += len(obs.Links)
	if obs.Depth > r.report.Stats.MaxDepth {
		r.report.Stats.MaxDepth = obs.Depth
	}
	if state.ScreenshotPath != "" {
		r.report.Stats.Screenshots++
	}
	r.addNode(state.StateHash, obs.URL, obs.Title)
	for _, link := range obs.Links {
		r.addEdge(state.StateHash, link.URL)
	}
}

// RecordError keeps a recoverable failure; blocked actions carry their rule.
func (r *Reporter) RecordError(a Action, rule string, err error) {
	r.report.Errors = append(r.report.Errors, StepError{
		At:     time.Now().UTC(),
		Action: a,
		Rule:   rule,
		Error:  err.Error(),
	})
	r.report.Stats.Errors++
}

func (r *Reporter) addNode(id, url, title string) {
	if _, ok := r.nodes[id]; ok {
		return
	}
	r.nodes[id] = struct{}{}
	r.report.Graph.Nodes = append(r.report.Graph.Nodes, GraphNode{ID: id, URL: url, Title: title})
}

func (r *Reporter) addEdge(from, to string) {
	key := [2]string{from, to}
	if _, ok := r.edges[key]; ok {
		return
	}
	r.edges[key] = struct{}{}
	r.report.Graph.Edges = append(r.report.Graph.Edges, GraphEdge{From: from, To: to})
}

// Snapshot returns a copy of the report as it currently stands.
func (r *Reporter) Snapshot() Report {
	return r.report
}

// Finalize stamps the terminal status and writes report.json plus
// report.html under dir, copying referenced screenshots alongside. Returns
// the JSON path.
func (r *Reporter) Finalize(ctx context.Context, status Status, dir string) (string, error) {
	r.report.Status = status
	r.report.EndedAt = time.Now().UTC()
	r.report.Stats.DurationMs = r.report.EndedAt.Sub(r.report.StartedAt).Milliseconds()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "create report dir %s", dir)
	}
	r.copyScreenshots(ctx, dir)

	data, err := json.MarshalIndent(r.report, "", "  ")
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "encode crawl report")
	}
	jsonPath := filepath.Join(dir, "report.json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "write %s", jsonPath)
	}
	htmlPath := filepath.Join(dir, "report.html")
	if err := os.WriteFile(htmlPath, renderHTML(r.report), 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "write %s", htmlPath)
	}
	summaryPath := filepath.Join(dir, "summary.yaml")
	if err := os.WriteFile(summaryPath, renderSummary(r.report), 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "write %s", summaryPath)
	}
	r.log.InfoContext(ctx, "crawl report written",
		"crawl", r.report.CrawlID, "status", status, "pages", r.report.Stats.PagesVisited, "path", jsonPath)
	return jsonPath, nil
}

// copyScreenshots brings screenshots next to the report and rewrites their
// paths to be report-relative. Copy failures degrade to the original path.
func (r *Reporter) copyScreenshots(ctx context.Context, dir string) {
	for i, state := range r.report.States {
		if state.ScreenshotPath == "" {
			continue
		}
		data, err := os.ReadFile(state.ScreenshotPath)
		if err != nil {
			r.log.WarnContext(ctx, "screenshot missing at finalize", "path", state.ScreenshotPath, "error", err)
			continue
		}
		name := fmt.Sprintf("screenshots/%s.png", state.StateHash)
		if err := os.MkdirAll(filepath.Join(dir, "screenshots"), 0o755); err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			continue
		}
		r.report.States[i].ScreenshotPath = name
	}
}

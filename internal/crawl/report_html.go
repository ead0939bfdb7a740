package crawl

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// renderHTML fills a single-file template with placeholder substitution. No
// script is required to read the result; report.json stays the source of
// truth.
func renderHTML(report Report) []byte {
	var states strings.Builder
	for _, state := range report.States {
		shot := ""
		if state.ScreenshotPath != "" {
			shot = fmt.Sprintf(`<a href="%s">screenshot</a>`, html.EscapeString(state.ScreenshotPath))
		}
		fmt.Fprintf(&states,
			"<tr><td><code>%s</code></td><td><a href=%q>%s</a></td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(state.StateHash),
			html.EscapeString(state.URL),
			html.EscapeString(truncate(state.URL, 80)),
			html.EscapeString(state.Title),
			state.Timestamp.Format(time.RFC3339),
			shot)
	}

	var errs strings.Builder
	for _, e := range report.Errors {
		rule := e.Rule
		if rule == "" {
			rule = "-"
		}
		fmt.Fprintf(&errs,
			"<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			e.At.Format(time.RFC3339),
			html.EscapeString(string(e.Action.Kind)),
			html.EscapeString(rule),
			html.EscapeString(e.Error))
	}
	if errs.Len() == 0 {
		errs.WriteString(`<tr><td colspan="4">none</td></tr>`)
	}

	var edges strings.Builder
	for _, edge := range report.Graph.Edges {
		fmt.Fprintf(&edges, "%s -> %s\n", edge.From, html.EscapeString(truncate(edge.To, 100)))
	}

	page := reportTemplate
	replacements := map[string]string{
		"{{CRAWL_ID}}":      html.EscapeString(report.CrawlID),
		"{{START_URL}}":     html.EscapeString(report.StartURL),
		"{{GOAL}}":          html.EscapeString(report.Goal),
		"{{STATUS}}":        string(report.Status),
		"{{STARTED_AT}}":    report.StartedAt.Format(time.RFC3339),
		"{{DURATION}}":      (time.Duration(report.Stats.DurationMs) * time.Millisecond).String(),
		"{{PAGES_VISITED}}": fmt.Sprintf("%d", report.Stats.PagesVisited),
		"{{TOTAL_LINKS}}":   fmt.Sprintf("%d", report.Stats.TotalLinks),
		"{{MAX_DEPTH}}":     fmt.Sprintf("%d", report.Stats.MaxDepth),
		"{{ERROR_COUNT}}":   fmt.Sprintf("%d", report.Stats.Errors),
		"{{STATE_ROWS}}":    states.String(),
		"{{ERROR_ROWS}}":    errs.String(),
		"{{GRAPH_EDGES}}":   edges.String(),
	}
	for placeholder, value := range replacements {
		page = strings.ReplaceAll(page, placeholder, value)
	}
	return []byte(page)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Crawl report {{CRAWL_ID}}</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #1a1a1a; }
table { border-collapse: collapse; width: 100%; margin-bottom: 2rem; }
th, td { border: 1px solid #ddd; padding: 6px 10px; text-align: left; font-size: 14px; }
th { background: #f5f5f5; }
.summary dt { font-weight: 600; float: left; clear: left; width: 10rem; }
.summary dd { margin-left: 11rem; }
pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; font-size: 13px; }
.status-completed { color: #1a7f37; }
.status-error, .status-cancelled { color: #cf222e; }
</style>
</head>
<body>
<h1>Crawl report</h1>
<dl class="summary">
<dt>Crawl</dt><dd><code>{{CRAWL_ID}}</code></dd>
<dt>Start URL</dt><dd>{{START_URL}}</dd>
<dt>Goal</dt><dd>{{GOAL}}</dd>
<dt>Status</dt><dd class="status-{{STATUS}}">{{STATUS}}</dd>
<dt>Started</dt><dd>{{STARTED_AT}}</dd>
<dt>Duration</dt><dd>{{DURATION}}</dd>
<dt>Pages visited</dt><dd>{{PAGES_VISITED}}</dd>
<dt>Links found</dt><dd>{{TOTAL_LINKS}}</dd>
<dt>Max depth</dt><dd>{{MAX_DEPTH}}</dd>
<dt>Errors</dt><dd>{{ERROR_COUNT}}</dd>
</dl>
<h2>Visited states</h2>
<table>
<tr><th>State</th><th>URL</th><th>Title</th><th>Visited</th><th></th></tr>
{{STATE_ROWS}}
</table>
<h2>Errors</h2>
<table>
<tr><th>At</th><th>Action</th><th>Rule</th><th>Error</th></tr>
{{ERROR_ROWS}}
</table>
<h2>Site graph</h2>
<pre>{{GRAPH_EDGES}}</pre>
</body>
</html>
`

package crawl

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestRenderSummary(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	report := Report{
		CrawlID:   "crawl-1",
		SessionID: "sess-1",
		StartURL:  "https://site.test/",
		Status:    StatusCompleted,
		StartedAt: started,
		EndedAt:   started.Add(90 * time.Second),
		Stats:     Stats{PagesVisited: 12, TotalLinks: 40, MaxDepth: 3},
		Errors: []StepError{
			{Error: "navigate timed out"},
		},
	}

	out := renderSummary(report)

	var parsed crawlSummary
	if err := yaml.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("summary is not valid YAML: %v\n%s", err, out)
	}
	if parsed.Crawl != "crawl-1" || parsed.Pages != 12 {
		t.Fatalf("summary = %+v", parsed)
	}
	if parsed.Duration != "1m30s" {
		t.Fatalf("duration = %q", parsed.Duration)
	}
	if len(parsed.Errors) != 1 || !strings.Contains(parsed.Errors[0], "timed out") {
		t.Fatalf("errors = %v", parsed.Errors)
	}
}

func TestRenderSummaryCapsErrors(t *testing.T) {
	report := Report{CrawlID: "crawl-2", Status: StatusError}
	for i := 0; i < 25; i++ {
		report.Errors = append(report.Errors, StepError{Error: "boom"})
	}
	var parsed crawlSummary
	if err := yaml.Unmarshal(renderSummary(report), &parsed); err != nil {
		t.Fatal(err)
	}
	if len(parsed.Errors) != 10 {
		t.Fatalf("kept %d errors, want 10", len(parsed.Errors))
	}
}

package crawl

import (
	"time"

	"gopkg.in/yaml.v3"
)

// crawlSummary is the operator-facing digest written next to the full
// report. Small enough to read in a terminal; the JSON has everything else.
type crawlSummary struct {
	Crawl    string   `yaml:"crawl"`
	Session  string   `yaml:"session"`
	StartURL string   `yaml:"startUrl"`
	Goal     string   `yaml:"goal,omitempty"`
	Status   string   `yaml:"status"`
	Pages    int      `yaml:"pages"`
	Links    int      `yaml:"links"`
	Depth    int      `yaml:"depth"`
	Duration string   `yaml:"duration"`
	Errors   []string `yaml:"errors,omitempty"`
}

func renderSummary(report Report) []byte {
	s := crawlSummary{
		Crawl:    report.CrawlID,
		Session:  report.SessionID,
		StartURL: report.StartURL,
		Goal:     report.Goal,
		Status:   string(report.Status),
		Pages:    report.Stats.PagesVisited,
		Links:    report.Stats.TotalLinks,
		Depth:    report.Stats.MaxDepth,
		Duration: report.EndedAt.Sub(report.StartedAt).Round(time.Millisecond).String(),
	}
	for _, e := range report.Errors {
		if len(s.Errors) == 10 {
			break
		}
		s.Errors = append(s.Errors, e.Error)
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return []byte("status: " + s.Status + "\n")
	}
	return out
}

package crawl

import (
	"testing"
	"time"

	"drover/internal/apperr"
	"drover/internal/config"
)

func testGuardrails(t *testing.T, cfg config.CrawlConfig, maxDepth int) *Guardrails {
	t.Helper()
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 1000
		cfg.RateBurst = 1000
	}
	g, err := NewGuardrails(cfg, maxDepth, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func blockedRule(t *testing.T, err error) string {
	t.Helper()
	if !apperr.Is(err, apperr.KindBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
	rule, _ := apperr.DetailOf(err)["rule"].(string)
	return rule
}

func TestRateLimitFirst(t *testing.T) {
	g := testGuardrails(t, config.CrawlConfig{RatePerSecond: 1, RateBurst: 1}, 5)
	nav := Action{Kind: ActionNavigate, URL: "https://example.com/"}
	if err := g.Check(nav); err != nil {
		t.Fatal(err)
	}
	// Second call in the same instant exceeds the burst.
	err := g.Check(Action{Kind: ActionNavigate, URL: "https://example.com/b"})
	if rule := blockedRule(t, err); rule != "rate_limit" {
		t.Fatalf("rule = %q, want rate_limit", rule)
	}
}

func TestSessionTimeout(t *testing.T) {
	g := testGuardrails(t, config.CrawlConfig{}, 5)
	g.deadline = time.Now().Add(-time.Second)
	err := g.Check(Action{Kind: ActionWait})
	if rule := blockedRule(t, err); rule != "session_timeout" {
		t.Fatalf("rule = %q, want session_timeout", rule)
	}
}

func TestDepthCap(t *testing.T) {
	g := testGuardrails(t, config.CrawlConfig{}, 2)
	err := g.Check(Action{Kind: ActionNavigate, URL: "https://example.com/", Depth: 3})
	if rule := blockedRule(t, err); rule != "depth_cap" {
		t.Fatalf("rule = %q, want depth_cap", rule)
	}
}

func TestNavigateRules(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.CrawlConfig
		url  string
		rule string
	}{
		{"scheme", config.CrawlConfig{}, "ftp://example.com/", "url_scheme"},
		{"allowlist", config.CrawlConfig{AllowedDomains: []string{"example.com"}}, "https://other.org/", "domain_allowlist"},
		{"blocklist", config.CrawlConfig{BlockedDomains: []string{"evil.example"}}, "https://evil.example/x", "domain_blocklist"},
		{"pattern", config.CrawlConfig{BlockedPattern: `/admin/`}, "https://example.com/admin/users", "url_pattern"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := testGuardrails(t, tc.cfg, 5)
			err := g.Check(Action{Kind: ActionNavigate, URL: tc.url})
			if rule := blockedRule(t, err); rule != tc.rule {
				t.Fatalf("rule = %q, want %q", rule, tc.rule)
			}
		})
	}
}

func TestAllowlistAllowsSubdomains(t *testing.T) {
	g := testGuardrails(t, config.CrawlConfig{AllowedDomains: []string{"example.com"}}, 5)
	if err := g.Check(Action{Kind: ActionNavigate, URL: "https://docs.example.com/intro"}); err != nil {
		t.Fatal(err)
	}
}

func TestPerHostCap(t *testing.T) {
	g := testGuardrails(t, config.CrawlConfig{PerHostVisitCap: 2}, 5)
	for i := 0; i < 2; i++ {
		if err := g.Check(Action{Kind: ActionNavigate, URL: "https://example.com/a"}); err != nil {
			t.Fatal(err)
		}
	}
	err := g.Check(Action{Kind: ActionNavigate, URL: "https://example.com/c"})
	if rule := blockedRule(t, err); rule != "per_host_cap" {
		t.Fatalf("rule = %q, want per_host_cap", rule)
	}
}

func TestRepeatVisitLoop(t *testing.T) {
	g := testGuardrails(t, config.CrawlConfig{}, 5)
	url := "https://example.com/loop"
	for i := 0; i < 2; i++ {
		if err := g.Check(Action{Kind: ActionNavigate, URL: url}); err != nil {
			t.Fatal(err)
		}
	}
	err := g.Check(Action{Kind: ActionNavigate, URL: url})
	if rule := blockedRule(t, err); rule != "loop_detection" {
		t.Fatalf("rule = %q, want loop_detection", rule)
	}
}

func TestOscillationLoop(t *testing.T) {
	g := testGuardrails(t, config.CrawlConfig{}, 5)
	// Space visits out so the same-URL rule cannot fire first.
	base := time.Now().Add(-30 * time.Minute)
	step := 0
	g.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * 2 * time.Minute)
	}
	a := "https://example.com/a"
	b := "https://example.com/b"
	for i, url := range []string{a, b, a, b, a} {
		if err := g.Check(Action{Kind: ActionNavigate, URL: url}); err != nil {
			t.Fatalf("visit %d: %v", i, err)
		}
	}
	err := g.Check(Action{Kind: ActionNavigate, URL: b})
	if rule := blockedRule(t, err); rule != "loop_detection" {
		t.Fatalf("rule = %q, want loop_detection", rule)
	}
}

func TestClickAndTypeHeuristics(t *testing.T) {
	g := testGuardrails(t, config.CrawlConfig{}, 5)
	err := g.Check(Action{Kind: ActionClick, Target: "Delete my account"})
	if rule := blockedRule(t, err); rule != "destructive_intent" {
		t.Fatalf("rule = %q, want destructive_intent", rule)
	}
	err = g.Check(Action{Kind: ActionType, Target: "Password", Text: "hunter2"})
	if rule := blockedRule(t, err); rule != "sensitive_input" {
		t.Fatalf("rule = %q, want sensitive_input", rule)
	}
	if err := g.Check(Action{Kind: ActionClick, Target: "Read the docs"}); err != nil {
		t.Fatal(err)
	}
}

func TestBadBlockedPattern(t *testing.T) {
	_, err := NewGuardrails(config.CrawlConfig{RatePerSecond: 1, RateBurst: 1, BlockedPattern: "("}, 3, time.Now())
	if !apperr.Is(err, apperr.KindBadInput) {
		t.Fatalf("expected bad_input for invalid regexp, got %v", err)
	}
}

package crawl

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"drover/internal/apperr"
	"drover/internal/config"
)

// Guardrails screen every planner action before execution. Rules fire in a
// fixed order and the first match wins; the rule name travels in the error
// detail so reports can attribute the block.
type Guardrails struct {
	limiter  *rate.Limiter
	deadline time.Time
	maxDepth int

	allowedHosts   []string
	blockedHosts   []string
	blockedPattern *regexp.Regexp
	perHostCap     int

	hostVisits map[string]int
	history    []historyEntry
	now        func() time.Time
}

type historyEntry struct {
	url string
	at  time.Time
}

const (
	historyWindow   = time.Hour
	loopWindow      = time.Minute
	loopVisitCount  = 3
	oscillationSpan = 6
)

func NewGuardrails(cfg config.CrawlConfig, maxDepth int, deadline time.Time) (*Guardrails, error) {
	g := &Guardrails{
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		deadline:     deadline,
		maxDepth:     maxDepth,
		allowedHosts: lowerAll(cfg.AllowedDomains),
		blockedHosts: lowerAll(cfg.BlockedDomains),
		perHostCap:   cfg.PerHostVisitCap,
		hostVisits:   map[string]int{},
		now:          time.Now,
	}
	if cfg.BlockedPattern != "" {
		pattern, err := regexp.Compile(cfg.BlockedPattern)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBadInput, err, "blocked_pattern does not compile")
		}
		g.blockedPattern = pattern
	}
	return g, nil
}

// Check vetoes or admits one action. Admitted navigations are recorded in the
// hour-bounded history used by loop detection.
func (g *Guardrails) Check(a Action) error {
	if !g.limiter.Allow() {
		return g.block("rate_limit", "action rate limit exceeded")
	}
	if g.now().After(g.deadline) {
		return g.block("session_timeout", "crawl time budget exhausted")
	}
	if a.Depth > g.maxDepth {
		return g.block("depth_cap", "depth %d exceeds cap %d", a.Depth, g.maxDepth)
	}
	switch a.Kind {
	case ActionNavigate:
		if err := g.checkNavigate(a); err != nil {
			return err
		}
		g.record(a.URL)
	case ActionClick:
		if destructiveIntent(a.Target) || destructiveIntent(a.Reason) {
			return g.block("destructive_intent", "click target %q looks destructive", a.Target)
		}
	case ActionType:
		if sensitiveText(a.Text) || sensitiveText(a.Target) {
			return g.block("sensitive_input", "refusing to type into %q", a.Target)
		}
	}
	return nil
}

func (g *Guardrails) checkNavigate(a Action) error {
	u, err := url.Parse(a.URL)
	if err != nil {
		return g.block("url_scheme", "unparseable URL %q", a.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return g.block("url_scheme", "scheme %q is not http(s)", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if len(g.allowedHosts) > 0 && !hostMatches(host, g.allowedHosts) {
		return g.block("domain_allowlist", "host %q is not in the allow-list", host)
	}
	if hostMatches(host, g.blockedHosts) {
		return g.block("domain_blocklist", "host %q is blocked", host)
	}
	if g.blockedPattern != nil && g.blockedPattern.MatchString(a.URL) {
		return g.block("url_pattern", "URL matches blocked pattern")
	}
	if g.perHostCap > 0 && g.hostVisits[host] >= g.perHostCap {
		return g.block("per_host_cap", "host %q hit its visit cap %d", host, g.perHostCap)
	}
	if g.isLoop(a.URL) {
		return g.block("loop_detection", "navigation loop involving %s", a.URL)
	}
	g.hostVisits[host]++
	return nil
}

// isLoop flags the same URL seen loopVisitCount times within loopWindow, or
// an A-B-A-B oscillation across the last oscillationSpan navigations.
func (g *Guardrails) isLoop(target string) bool {
	now := g.now()
	recent := 0
	for _, h := range g.history {
		if h.url == target && now.Sub(h.at) <= loopWindow {
			recent++
		}
	}
	if recent+1 >= loopVisitCount {
		return true
	}
	if len(g.history) >= oscillationSpan-1 {
		tail := g.history[len(g.history)-(oscillationSpan-1):]
		seq := make([]string, 0, oscillationSpan)
		for _, h := range tail {
			seq = append(seq, h.url)
		}
		seq = append(seq, target)
		if isOscillation(seq) {
			return true
		}
	}
	return false
}

func isOscillation(seq []string) bool {
	a, b := seq[0], seq[1]
	if a == b {
		return false
	}
	for i, u := range seq {
		want := a
		if i%2 == 1 {
			want = b
		}
		if u != want {
			return false
		}
	}
	return true
}

func (g *Guardrails) record(url string) {
	now := g.now()
	g.history = append(g.history, historyEntry{url: url, at: now})
	cutoff := now.Add(-historyWindow)
	trimmed := g.history[:0]
	for _, h := range g.history {
		if h.at.After(cutoff) {
			trimmed = append(trimmed, h)
		}
	}
	g.history = trimmed
}

func (g *Guardrails) block(rule, format string, args ...any) error {
	return apperr.New(apperr.KindBlocked, format, args...).WithDetail("rule", rule)
}

var sensitivePatterns = []string{
	"password", "passphrase", "secret", "token", "api key", "apikey",
	"credit card", "card number", "cvv", "cvc", "iban", "ssn",
	"social security", "routing number",
}

func sensitiveText(text string) bool {
	lower := strings.ToLower(text)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func hostMatches(host string, suffixes []string) bool {
	for _, s := range suffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

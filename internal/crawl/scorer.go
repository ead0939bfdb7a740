package crawl

import (
	"math"
	"net/url"
	"strings"
)

// Feature weights for link scoring. Fixed at build time; only the learned
// pattern score moves during a crawl.
var urlWeights = struct {
	depth       float64
	length      float64
	segments    float64
	queryParams float64
	contentPage float64
	navigation  float64
	utility     float64
	hasKeyword  float64
	relevance   float64
	siblings    float64
	learned     float64
	bias        float64
}{
	depth:       -0.5,
	length:      -0.005,
	segments:    -0.15,
	queryParams: -0.3,
	contentPage: 1.2,
	navigation:  0.4,
	utility:     -1.5,
	hasKeyword:  1.5,
	relevance:   2.0,
	siblings:    -0.25,
	learned:     1.0,
	bias:        0.5,
}

var contentHints = []string{"/docs", "/doc/", "/guide", "/article", "/blog", "/post", "/reference", "/manual", "/tutorial", "/help"}
var navigationHints = []string{"/index", "/sitemap", "/categories", "/topics", "/archive", "/all"}
var utilityHints = []string{"/login", "/signin", "/signup", "/register", "/terms", "/privacy", "/legal", "/cookie", "/cart", "/account", "/settings"}

// scoreURL combines the feature vector linearly, squashes through a logistic,
// and scales to [0, 10].
func (p *Planner) scoreURL(rawURL, text string, depth int) float64 {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	lowerPath := strings.ToLower(u.Path)
	lowerText := strings.ToLower(text)

	x := urlWeights.bias
	x += urlWeights.depth * float64(depth)
	x += urlWeights.length * float64(len(rawURL))
	x += urlWeights.segments * float64(strings.Count(strings.Trim(u.Path, "/"), "/"))
	x += urlWeights.queryParams * float64(len(u.Query()))
	if matchesAny(lowerPath, contentHints) {
		x += urlWeights.contentPage
	}
	if matchesAny(lowerPath, navigationHints) {
		x += urlWeights.navigation
	}
	if matchesAny(lowerPath, utilityHints) {
		x += urlWeights.utility
	}
	hits := p.keywordHits(lowerPath + " " + lowerText)
	if hits > 0 {
		x += urlWeights.hasKeyword
	}
	if len(p.keywords) > 0 {
		x += urlWeights.relevance * float64(hits) / float64(len(p.keywords))
	}
	x += urlWeights.siblings * float64(p.patternHits[urlPattern(rawURL)])
	x += urlWeights.learned * p.learned[urlPattern(rawURL)]

	return logistic(x) * 10
}

// scoreClickable scores on-page elements with the text features only.
func (p *Planner) scoreClickable(name string, depth int) float64 {
	lower := strings.ToLower(name)
	x := urlWeights.bias
	x += urlWeights.depth * float64(depth)
	hits := p.keywordHits(lower)
	if hits > 0 {
		x += urlWeights.hasKeyword
	}
	if len(p.keywords) > 0 {
		x += urlWeights.relevance * float64(hits) / float64(len(p.keywords))
	}
	if matchesAny(lower, []string{"login", "sign in", "terms", "privacy"}) {
		x += urlWeights.utility
	}
	return logistic(x) * 10
}

func (p *Planner) keywordHits(haystack string) int {
	hits := 0
	for keyword := range p.keywords {
		if strings.Contains(haystack, keyword) {
			hits++
		}
	}
	return hits
}

func matchesAny(s string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

package crawl

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Planner runs breadth-first exploration with a learned priority overlay.
// State is private to one crawl and mutated only from the crawl goroutine.
type Planner struct {
	keywords map[string]struct{}
	maxDepth int
	maxPages int

	queue        []queuedTarget
	visited      map[string]bool
	pagesVisited int
	learned      map[string]float64
	patternHits  map[string]int
}

type queuedTarget struct {
	url    string
	depth  int
	score  float64
	reason string
}

func NewPlanner(goal string, maxDepth, maxPages int) *Planner {
	return &Planner{
		keywords:    goalKeywords(goal),
		maxDepth:    maxDepth,
		maxPages:    maxPages,
		visited:     map[string]bool{},
		learned:     map[string]float64{},
		patternHits: map[string]int{},
	}
}

// Observe records a visited page and enqueues its eligible outlinks. Pages
// already in memory still contribute outlinks but are not re-scored.
func (p *Planner) Observe(obs Observation, known bool) {
	if !p.visited[obs.URL] {
		p.visited[obs.URL] = true
		p.pagesVisited++
		p.patternHits[urlPattern(obs.URL)]++
	}
	for _, link := range obs.Links {
		if !p.eligible(link.URL, obs.Depth+1) {
			continue
		}
		score := 0.0
		if !known {
			score = p.scoreURL(link.URL, link.Text, obs.Depth+1)
		}
		p.queue = append(p.queue, queuedTarget{
			url:    link.URL,
			depth:  obs.Depth + 1,
			score:  score,
			reason: "outlink of " + obs.URL,
		})
	}
	sort.SliceStable(p.queue, func(i, j int) bool {
		if p.queue[i].depth != p.queue[j].depth {
			return p.queue[i].depth < p.queue[j].depth
		}
		return p.queue[i].score > p.queue[j].score
	})
}

// Next picks the planner's best action: queue head, then a promising
// clickable on the current page, then finish.
func (p *Planner) Next(obs Observation) Action {
	now := time.Now()
	if p.pagesVisited >= p.maxPages {
		return Action{Kind: ActionFinish, Reason: "page budget reached", IssuedAt: now}
	}
	for len(p.queue) > 0 {
		head := p.queue[0]
		p.queue = p.queue[1:]
		if p.visited[head.url] {
			continue
		}
		return Action{
			Kind:     ActionNavigate,
			URL:      head.url,
			Reason:   head.reason,
			Priority: head.score,
			Depth:    head.depth,
			IssuedAt: now,
		}
	}
	if click, ok := p.bestClickable(obs); ok {
		return click
	}
	return Action{Kind: ActionFinish, Reason: "no eligible targets remain", IssuedAt: now}
}

// interestingThreshold gates clicks on the current page once the URL queue
// is empty.
const interestingThreshold = 4.0

func (p *Planner) bestClickable(obs Observation) (Action, bool) {
	best := Action{}
	bestScore := interestingThreshold
	for _, c := range obs.Clickables {
		name := strings.TrimSpace(c.Name)
		if len(name) < 3 || destructiveIntent(name) {
			continue
		}
		score := p.scoreClickable(name, obs.Depth)
		if score > bestScore {
			bestScore = score
			best = Action{
				Kind:      ActionClick,
				BackendID: c.BackendID,
				Target:    name,
				Reason:    "promising " + c.Role + " on " + obs.URL,
				Priority:  score,
				Depth:     obs.Depth,
				IssuedAt:  time.Now(),
			}
		}
	}
	return best, best.Kind == ActionClick
}

// Learn nudges the pattern score after a navigation attempt.
func (p *Planner) Learn(rawURL string, success bool) {
	pattern := urlPattern(rawURL)
	if success {
		p.learned[pattern] += 0.1
	} else {
		p.learned[pattern] -= 0.05
	}
}

// PagesVisited reports how many distinct pages the planner has observed.
func (p *Planner) PagesVisited() int { return p.pagesVisited }

func (p *Planner) eligible(rawURL string, depth int) bool {
	if depth > p.maxDepth || p.visited[rawURL] {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return !binaryExtension(u.Path)
}

var binaryExtensions = map[string]struct{}{
	".pdf": {}, ".zip": {}, ".gz": {}, ".tar": {}, ".dmg": {}, ".exe": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".ico": {},
	".mp4": {}, ".mp3": {}, ".webm": {}, ".woff": {}, ".woff2": {}, ".ttf": {},
}

func binaryExtension(path string) bool {
	dot := strings.LastIndex(path, ".")
	if dot < 0 {
		return false
	}
	_, ok := binaryExtensions[strings.ToLower(path[dot:])]
	return ok
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "of": {}, "for": {}, "to": {},
	"in": {}, "on": {}, "with": {}, "all": {}, "find": {}, "get": {},
	"page": {}, "pages": {}, "site": {}, "about": {},
}

func goalKeywords(goal string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, word := range strings.Fields(strings.ToLower(goal)) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if len(word) < 3 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		out[word] = struct{}{}
	}
	return out
}

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	hexSegment     = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
)

// urlPattern generalizes a URL for learning: host plus path with numeric
// segments and long hex ids wildcarded, so /users/42 and /users/69105 share
// a score.
func urlPattern(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if numericSegment.MatchString(seg) || hexSegment.MatchString(seg) {
			segments[i] = "*"
		}
	}
	return u.Host + "/" + strings.Join(segments, "/")
}

var destructivePatterns = []string{
	"delete", "remove", "cancel", "logout", "log out", "sign out",
	"purchase", "buy now", "checkout", "pay", "confirm payment",
	"unsubscribe", "deactivate", "submit order",
}

func destructiveIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, pattern := range destructivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

package crawl

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"

	"drover/internal/apperr"
	"drover/internal/config"
	"drover/internal/observability"
	"drover/internal/session"
)

// Manager tracks crawls across broker sessions: at most one active crawl per
// session, finished crawls retained for status and report queries.
type Manager struct {
	cfg        config.CrawlConfig
	reportsDir string
	memory     Memory
	log        *observability.Logger
	metrics    *observability.MetricsCollector

	mu     sync.Mutex
	active map[string]*Crawl // keyed by session id
	byID   map[string]*Crawl
}

func NewManager(cfg config.CrawlConfig, reportsDir string, memory Memory, log *observability.Logger, metrics *observability.MetricsCollector) *Manager {
	return &Manager{
		cfg:        cfg,
		reportsDir: reportsDir,
		memory:     memory,
		log:        log,
		metrics:    metrics,
		active:     map[string]*Crawl{},
		byID:       map[string]*Crawl{},
	}
}

// Crawl is one autonomous exploration bound to a broker session.
type Crawl struct {
	ID        string
	SessionID string
	Opts      Options

	mgr       *Manager
	planner   *Planner
	guards    *Guardrails
	exec      *Executor
	reporter  *Reporter
	cancel    context.CancelFunc
	stop      atomic.Bool
	stepDelay time.Duration

	mu         sync.Mutex
	status     Status
	published  Report
	reportPath string
}

// Start launches a crawl on the session's current tab. Limits narrower than
// the broker configuration are honored; wider ones are clamped down.
func (m *Manager) Start(sess *session.Session, opts Options) (*Crawl, error) {
	if opts.StartURL == "" {
		return nil, apperr.New(apperr.KindBadInput, "startUrl is required")
	}
	opts.MaxDepth = clamp(opts.MaxDepth, m.cfg.MaxDepth)
	opts.MaxPages = clamp(opts.MaxPages, m.cfg.MaxPages)
	if maxTimeout := time.Duration(m.cfg.TimeoutMs) * time.Millisecond; opts.Timeout <= 0 || opts.Timeout > maxTimeout {
		opts.Timeout = maxTimeout
	}

	if opts.StepDelay <= 0 {
		opts.StepDelay = time.Second
	}
	deadline := time.Now().Add(opts.Timeout)
	guards, err := NewGuardrails(m.cfg, opts.MaxDepth, deadline)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if running, ok := m.active[sess.ID]; ok {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindConflict,
			"session already has an active crawl").WithDetail("crawlId", running.ID)
	}
	id := "crawl-" + ksuid.New().String()
	c := &Crawl{
		ID:        id,
		SessionID: sess.ID,
		Opts:      opts,
		mgr:       m,
		planner:   NewPlanner(opts.Goal, opts.MaxDepth, opts.MaxPages),
		guards:    guards,
		exec:      NewExecutor(sess),
		reporter:  NewReporter(id, sess.ID, opts, m.log),
		stepDelay: opts.StepDelay,
		status:    StatusRunning,
	}
	c.published = c.reporter.Snapshot()
	m.active[sess.ID] = c
	m.byID[id] = c
	m.mu.Unlock()

	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	c.cancel = cancel
	m.log.Info("crawl started",
		"crawl", id, "session", sess.ID, "startUrl", opts.StartURL,
		"maxDepth", opts.MaxDepth, "maxPages", opts.MaxPages)
	go c.run(ctx)
	return c, nil
}

// Get resolves a crawl by id.
func (m *Manager) Get(id string) (*Crawl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byID[id]; ok {
		return c, nil
	}
	return nil, apperr.New(apperr.KindBadInput, "unknown crawl %q", id)
}

// ForSession returns the session's active crawl, or the most recent one.
func (m *Manager) ForSession(sessionID string) (*Crawl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.active[sessionID]; ok {
		return c, nil
	}
	var latest *Crawl
	for _, c := range m.byID {
		if c.SessionID != sessionID {
			continue
		}
		if latest == nil || c.StartedAt().After(latest.StartedAt()) {
			latest = c
		}
	}
	if latest == nil {
		return nil, apperr.New(apperr.KindBadInput, "session has no crawls")
	}
	return latest, nil
}

// Cancel flags the crawl to stop before its next step.
func (m *Manager) Cancel(id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.stop.Store(true)
	c.cancel()
	return nil
}

// CancelAll stops every active crawl, used during shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	crawls := make([]*Crawl, 0, len(m.active))
	for _, c := range m.active {
		crawls = append(crawls, c)
	}
	m.mu.Unlock()
	for _, c := range crawls {
		c.stop.Store(true)
		c.cancel()
	}
}

// Memory exposes the shared page-state store.
func (m *Manager) Memory() Memory { return m.memory }

// ConfigureMemory adjusts the state bound and trims immediately.
func (m *Manager) ConfigureMemory(ctx context.Context, maxStates int) (int, error) {
	if maxStates <= 0 {
		return 0, apperr.New(apperr.KindBadInput, "maxStates must be positive")
	}
	m.memory.SetMaxStates(maxStates)
	return m.memory.Trim(ctx)
}

func (m *Manager) finish(c *Crawl) {
	m.mu.Lock()
	if m.active[c.SessionID] == c {
		delete(m.active, c.SessionID)
	}
	m.mu.Unlock()
}

// run is the crawl loop: guardrails, execute, observe, remember, plan the
// next step. Recoverable failures land in the report; only panics and
// cancellation end the loop early.
func (c *Crawl) run(ctx context.Context) {
	status := StatusCompleted
	defer func() {
		if r := recover(); r != nil {
			status = StatusError
			c.reporter.RecordError(Action{Kind: ActionFinish, Reason: "panic"}, "",
				fmt.Errorf("crawl loop panic: %v", r))
		}
		c.finalize(status)
	}()

	var lastObs Observation
	act := Action{
		Kind:     ActionNavigate,
		URL:      c.Opts.StartURL,
		Reason:   "crawl start",
		Depth:    0,
		IssuedAt: time.Now(),
	}
	for {
		if c.stop.Load() {
			status = StatusCancelled
			return
		}
		if ctx.Err() != nil {
			status = StatusCancelled
			if !c.stop.Load() {
				// Deadline rather than cancel request.
				status = StatusCompleted
			}
			return
		}

		c.step(ctx, act, &lastObs)
		c.publish()

		act = c.planner.Next(lastObs)
		if act.Kind == ActionFinish {
			c.mgr.log.InfoContext(ctx, "crawl finishing", "crawl", c.ID, "reason", act.Reason)
			return
		}
		sleepCtx(ctx, c.stepDelay)
	}
}

func (c *Crawl) step(ctx context.Context, act Action, lastObs *Observation) {
	if err := c.guards.Check(act); err != nil {
		rule, _ := apperr.DetailOf(err)["rule"].(string)
		c.reporter.RecordError(act, rule, err)
		c.mgr.metrics.RecordCrawlBlocked(ctx, rule)
		if act.Kind == ActionNavigate {
			c.planner.Learn(act.URL, false)
		}
		return
	}
	if err := c.exec.Apply(ctx, act); err != nil {
		c.reporter.RecordError(act, "", err)
		if act.Kind == ActionNavigate {
			c.planner.Learn(act.URL, false)
		}
		c.mgr.log.WarnContext(ctx, "crawl action failed",
			"crawl", c.ID, "action", string(act.Kind), "error", err)
		return
	}
	if act.Kind == ActionNavigate {
		c.planner.Learn(act.URL, true)
	}

	obs, err := c.exec.Observe(ctx, act.Depth)
	if err != nil {
		c.reporter.RecordError(act, "", err)
		return
	}
	known := c.mgr.memory.HasState(ctx, obs.StateHash)
	c.planner.Observe(obs, known)

	state := PageState{
		StateHash: obs.StateHash,
		URL:       obs.URL,
		Title:     obs.Title,
		Timestamp: time.Now().UTC(),
		Visited:   true,
	}
	for _, link := range obs.Links {
		state.Links = append(state.Links, link.URL)
	}
	if c.mgr.cfg.Screenshots && !known {
		if png, err := c.exec.Screenshot(ctx); err == nil {
			if path, err := c.mgr.memory.StoreScreenshot(ctx, obs.StateHash, png); err == nil {
				state.ScreenshotPath = path
			}
		}
	}
	if err := c.mgr.memory.StoreState(ctx, state); err != nil {
		c.mgr.log.WarnContext(ctx, "crawl memory write failed", "crawl", c.ID, "error", err)
	}
	c.reporter.RecordVisit(state, obs)
	c.mgr.metrics.RecordCrawlPage(ctx, c.ID)
	*lastObs = obs
}

func (c *Crawl) finalize(status Status) {
	ctx := context.Background()
	dir := filepath.Join(c.mgr.reportsDir, c.SessionID)
	path, err := c.reporter.Finalize(ctx, status, dir)
	if err != nil {
		c.mgr.log.Error("crawl report write failed", "crawl", c.ID, "error", err)
	}
	if _, err := c.mgr.memory.Trim(ctx); err != nil {
		c.mgr.log.Warn("memory trim after crawl failed", "crawl", c.ID, "error", err)
	}

	c.mu.Lock()
	c.status = status
	c.reportPath = path
	c.published = c.reporter.Snapshot()
	c.mu.Unlock()

	c.cancel()
	c.mgr.finish(c)
}

func (c *Crawl) publish() {
	snapshot := c.reporter.Snapshot()
	c.mu.Lock()
	c.published = snapshot
	c.mu.Unlock()
}

// StartedAt is the crawl's start time.
func (c *Crawl) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published.StartedAt
}

// Status reports the crawl's current state and stats.
func (c *Crawl) Status() (Status, Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.published.Stats
}

// Report returns the last published report copy and, once finalized, the
// on-disk JSON path.
func (c *Crawl) Report() (Report, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published, c.reportPath
}

func clamp(requested, limit int) int {
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

// Package session owns per-client broker sessions: one browser context each,
// ordered tabs with a current-tab cursor, console and network ring buffers,
// and the per-tab snapshot registry. Tool calls within a session are
// serialized; distinct sessions run in parallel.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/snapshot"
)

// Tab is one browser page inside a session.
type Tab struct {
	ID   string
	Page browser.Page
}

// Session is one client's logical conversation with the broker.
type Session struct {
	ID        string
	CreatedAt time.Time

	Context   browser.BrowserContext
	Snapshots *snapshot.Registry
	Console   *Ring[browser.ConsoleMessage]
	Network   *Ring[browser.NetworkRequest]

	// execMu serializes tool execution within the session. A tab cannot be
	// driven by two callers at once.
	execMu sync.Mutex

	mu           sync.Mutex
	tabs         []*Tab
	current      int
	lastActivity time.Time
	closed       bool
}

// Touch records activity, deferring the idle sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity reports when the session last executed anything.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Do runs fn while holding the session's execution lock. All tool dispatch
// goes through here, which is what makes browser-side effects follow RPC
// acceptance order.
func (s *Session) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.isClosed() {
		return apperr.New(apperr.KindInternal, "session %s is closed", s.ID)
	}
	s.Touch()
	err := fn(ctx)
	s.Touch()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CurrentTab returns the active tab or a no-tab error.
func (s *Session) CurrentTab() (*Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tabs) == 0 {
		return nil, apperr.New(apperr.KindNoTab, "session has no open tab")
	}
	return s.tabs[s.current], nil
}

// EnsureTab returns the current tab, opening one first if none exists.
func (s *Session) EnsureTab(ctx context.Context) (*Tab, error) {
	s.mu.Lock()
	if len(s.tabs) > 0 {
		t := s.tabs[s.current]
		s.mu.Unlock()
		return t, nil
	}
	s.mu.Unlock()
	return s.NewTab(ctx)
}

// NewTab opens a tab and makes it current.
func (s *Session) NewTab(ctx context.Context) (*Tab, error) {
	page, err := s.Context.NewPage(ctx, browser.PageOptions{
		OnConsole: s.Console.Add,
		OnRequest: s.Network.Add,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tab := &Tab{ID: page.ID(), Page: page}
	s.tabs = append(s.tabs, tab)
	s.current = len(s.tabs) - 1
	return tab, nil
}

// Tabs lists tabs in order along with the current index.
func (s *Session) Tabs() ([]*Tab, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Tab, len(s.tabs))
	copy(out, s.tabs)
	return out, s.current
}

// SelectTab makes the tab at index current.
func (s *Session) SelectTab(index int) (*Tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.tabs) {
		return nil, apperr.New(apperr.KindBadInput, "tab index %d out of range [0, %d)", index, len(s.tabs))
	}
	s.current = index
	return s.tabs[index], nil
}

// CloseTab closes the tab at index, or the current tab when index is -1.
// Closing the current tab moves the cursor to the previous index.
func (s *Session) CloseTab(index int) error {
	s.mu.Lock()
	if len(s.tabs) == 0 {
		s.mu.Unlock()
		return apperr.New(apperr.KindNoTab, "session has no open tab")
	}
	if index == -1 {
		index = s.current
	}
	if index < 0 || index >= len(s.tabs) {
		s.mu.Unlock()
		return apperr.New(apperr.KindBadInput, "tab index %d out of range [0, %d)", index, len(s.tabs))
	}
	tab := s.tabs[index]
	s.tabs = append(s.tabs[:index], s.tabs[index+1:]...)
	switch {
	case len(s.tabs) == 0:
		s.current = 0
	case s.current > index:
		s.current--
	case s.current == index && s.current > 0:
		s.current--
	case s.current >= len(s.tabs):
		s.current = len(s.tabs) - 1
	}
	s.mu.Unlock()

	s.Snapshots.Drop(tab.ID)
	return tab.Page.Close()
}

// ReplaceContext swaps the browser context under the session, used by profile
// restore. All open tabs are closed first.
func (s *Session) ReplaceContext(newCtx browser.BrowserContext) error {
	s.mu.Lock()
	tabs := s.tabs
	old := s.Context
	s.tabs = nil
	s.current = 0
	s.Context = newCtx
	s.mu.Unlock()

	for _, t := range tabs {
		s.Snapshots.Drop(t.ID)
		_ = t.Page.Close()
	}
	if old != nil {
		if err := old.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears the session down: tabs, context, snapshots.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tabs := s.tabs
	s.tabs = nil
	s.mu.Unlock()

	var firstErr error
	for _, t := range tabs {
		if err := t.Page.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Context != nil {
		if err := s.Context.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.Snapshots.Release()
	s.Console.Clear()
	s.Network.Clear()
	return firstErr
}

// Describe returns a short human line for tab listings.
func (t *Tab) Describe(ctx context.Context) string {
	url, err := t.Page.URL(ctx)
	if err != nil {
		url = "?"
	}
	title, err := t.Page.Title(ctx)
	if err != nil {
		title = ""
	}
	if title == "" {
		return url
	}
	return fmt.Sprintf("%s (%s)", title, url)
}

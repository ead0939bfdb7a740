// Package snapshot anchors element identity to the accessibility tree. Each
// capture assigns opaque refs ("ref-42") to actionable nodes; tools resolve
// refs through the registry and fail with a stale-ref error when the caller
// holds refs from an earlier capture of the same tab.
package snapshot

import (
	"sync"
	"time"

	"drover/internal/apperr"
	"drover/internal/browser"
)

// Entry is one resolvable element in a snapshot.
type Entry struct {
	Ref       string `json:"ref"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	BackendID int64  `json:"-"`
}

// Snapshot is the parsed accessibility capture of one tab at one moment.
type Snapshot struct {
	PageID     string
	Version    int
	CapturedAt time.Time
	Text       string
	entries    map[string]Entry
	order      []Entry
}

// Resolve looks a ref up within this snapshot.
func (s *Snapshot) Resolve(ref string) (Entry, bool) {
	e, ok := s.entries[ref]
	return e, ok
}

// Entries lists refs in document order.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.order))
	copy(out, s.order)
	return out
}

// Registry holds the current snapshot per page. Ref numbers keep increasing
// across captures of the same page, so a ref minted by an older snapshot can
// never silently resolve against a newer one.
type Registry struct {
	mu      sync.RWMutex
	byPage  map[string]*Snapshot
	nextRef map[string]int
}

// NewRegistry creates an empty snapshot registry.
func NewRegistry() *Registry {
	return &Registry{
		byPage:  map[string]*Snapshot{},
		nextRef: map[string]int{},
	}
}

// Capture parses an accessibility tree into a new current snapshot for the
// page, superseding any previous one.
func (r *Registry) Capture(pageID string, root *browser.AXNode) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	version := 1
	if prev, ok := r.byPage[pageID]; ok {
		version = prev.Version + 1
	}
	snap := &Snapshot{
		PageID:     pageID,
		Version:    version,
		CapturedAt: time.Now(),
		entries:    map[string]Entry{},
	}
	next := r.nextRef[pageID]
	snap.Text, next = serialize(root, snap, next)
	r.nextRef[pageID] = next
	r.byPage[pageID] = snap
	return snap
}

// Current returns the page's current snapshot, if one was captured.
func (r *Registry) Current(pageID string) (*Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPage[pageID]
	return s, ok
}

// Resolve maps (pageID, ref) to an element of the current snapshot. A ref the
// current snapshot did not issue is stale; the caller must re-snapshot.
func (r *Registry) Resolve(pageID, ref string) (Entry, error) {
	r.mu.RLock()
	snap, ok := r.byPage[pageID]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, apperr.New(apperr.KindRefStale, "no snapshot captured for this tab").
			WithDetail("ref", ref)
	}
	entry, ok := snap.Resolve(ref)
	if !ok {
		return Entry{}, apperr.New(apperr.KindRefStale, "ref %s is not in the current snapshot; capture a new snapshot and retry", ref).
			WithDetail("ref", ref).
			WithDetail("snapshotVersion", snap.Version)
	}
	return entry, nil
}

// Drop forgets all snapshot state of a page. Called on tab close.
func (r *Registry) Drop(pageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPage, pageID)
	delete(r.nextRef, pageID)
}

// Release empties the registry. Called on session teardown.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPage = map[string]*Snapshot{}
	r.nextRef = map[string]int{}
}

package peersync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"drover/internal/apperr"
	"drover/internal/observability"
)

// Peer statuses as reported by the health probe.
const (
	StatusUnknown     = "unknown"
	StatusReachable   = "reachable"
	StatusUnreachable = "unreachable"
)

const nodesFile = "nodes.json"

// Peer is one manually registered remote broker.
type Peer struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	AuthMethod   string    `json:"authMethod,omitempty"` // api_key or none
	APIKey       string    `json:"apiKey,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeen     time.Time `json:"lastSeen,omitempty"`
	Status       string    `json:"status"`
}

// Registry is the persisted peer list, backed by nodes.json in the sync
// directory. Mutations write through immediately.
type Registry struct {
	path string
	log  *observability.Logger

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewRegistry loads the peer list from the sync directory, starting empty
// when no nodes.json exists yet.
func NewRegistry(syncDir string, log *observability.Logger) (*Registry, error) {
	r := &Registry{
		path:  filepath.Join(syncDir, nodesFile),
		log:   log,
		peers: map[string]*Peer{},
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "read peer registry")
	}
	var peers []*Peer
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, err, "parse peer registry")
	}
	for _, p := range peers {
		r.peers[p.Name] = p
	}
	return r, nil
}

// Add registers or replaces a peer.
func (r *Registry) Add(p Peer) error {
	if p.Name == "" || p.URL == "" {
		return apperr.New(apperr.KindBadInput, "peer needs a name and a url")
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now()
	}
	if p.Status == "" {
		p.Status = StatusUnknown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.Name] = &p
	return r.persistLocked()
}

// Remove deletes a peer by name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[name]; !ok {
		return apperr.New(apperr.KindBadInput, "unknown peer %q", name)
	}
	delete(r.peers, name)
	return r.persistLocked()
}

// Get returns a copy of one peer.
func (r *Registry) Get(name string) (Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[name]
	if !ok {
		return Peer{}, apperr.New(apperr.KindBadInput, "unknown peer %q", name)
	}
	return *p, nil
}

// List returns all peers sorted by name.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MarkProbe records a health-probe outcome for a peer. Unknown names are
// ignored; the peer may have been removed while the probe was in flight.
func (r *Registry) MarkProbe(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[name]
	if !ok {
		return
	}
	if err != nil {
		p.Status = StatusUnreachable
	} else {
		p.Status = StatusReachable
		p.LastSeen = time.Now()
	}
	if perr := r.persistLocked(); perr != nil {
		r.log.Warn("persist peer registry", "error", perr)
	}
}

func (r *Registry) persistLocked() error {
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Name < peers[j].Name })

	data, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "encode peer registry")
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "create sync dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".tmp-nodes-*")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "stage peer registry")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindInternal, err, "write peer registry")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindInternal, err, "close peer registry")
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindInternal, err, "commit peer registry")
	}
	return nil
}

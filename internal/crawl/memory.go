package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"drover/internal/apperr"
	"drover/internal/observability"
)

// Memory persists page states across crawls. The file store is the default;
// a remote memory service can stand in behind the same contract.
type Memory interface {
	// StoreState is idempotent in StateHash: re-storing an identical state
	// leaves exactly one record.
	StoreState(ctx context.Context, state PageState) error
	HasState(ctx context.Context, hash string) bool
	GetState(ctx context.Context, hash string) (*PageState, error)
	// AllStates enumerates stored states sorted by timestamp, oldest first.
	AllStates(ctx context.Context) ([]PageState, error)
	// StoreScreenshot co-locates a screenshot with its state and returns the
	// stored path.
	StoreScreenshot(ctx context.Context, hash string, png []byte) (string, error)
	// Trim enforces the max-states bound, evicting oldest first. Returns how
	// many states were removed.
	Trim(ctx context.Context) (int, error)
	SetMaxStates(n int)
}

var stateHashPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// FileMemory keeps one JSON file per state hash under <root>/memory, with
// screenshots in the sibling <root>/screenshots directory. Reads go through
// a small LRU.
type FileMemory struct {
	root      string
	log       *observability.Logger
	mu        sync.Mutex
	maxStates int
	cache     *lru.Cache[string, *PageState]
}

const memoryCacheSize = 256

func NewFileMemory(root string, maxStates int, log *observability.Logger) (*FileMemory, error) {
	for _, dir := range []string{filepath.Join(root, "memory"), filepath.Join(root, "screenshots")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "create memory dir %s", dir)
		}
	}
	cache, err := lru.New[string, *PageState](memoryCacheSize)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "create memory cache")
	}
	return &FileMemory{root: root, log: log, maxStates: maxStates, cache: cache}, nil
}

func (m *FileMemory) statePath(hash string) string {
	return filepath.Join(m.root, "memory", hash+".json")
}

func (m *FileMemory) StoreState(ctx context.Context, state PageState) error {
	if !stateHashPattern.MatchString(state.StateHash) {
		return apperr.New(apperr.KindBadInput, "malformed state hash %q", state.StateHash)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "encode state %s", state.StateHash)
	}
	path := m.statePath(state.StateHash)
	tmp, err := os.CreateTemp(filepath.Join(m.root, "memory"), ".state-*")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "create temp state file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, err, "write state %s", state.StateHash)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, err, "close state %s", state.StateHash)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, err, "rename state %s", state.StateHash)
	}
	m.cache.Add(state.StateHash, &state)
	return nil
}

func (m *FileMemory) HasState(ctx context.Context, hash string) bool {
	if m.cache.Contains(hash) {
		return true
	}
	_, err := os.Stat(m.statePath(hash))
	return err == nil
}

func (m *FileMemory) GetState(ctx context.Context, hash string) (*PageState, error) {
	if state, ok := m.cache.Get(hash); ok {
		return state, nil
	}
	data, err := os.ReadFile(m.statePath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.New(apperr.KindBadInput, "unknown state %q", hash)
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "read state %s", hash)
	}
	var state PageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, err, "decode state %s", hash)
	}
	m.cache.Add(hash, &state)
	return &state, nil
}

func (m *FileMemory) AllStates(ctx context.Context) ([]PageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allStatesLocked(ctx)
}

func (m *FileMemory) allStatesLocked(ctx context.Context) ([]PageState, error) {
	stateDir := filepath.Join(m.root, "memory")
	entries, err := os.ReadDir(stateDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "read memory dir")
	}
	var out []PageState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		hash := name[:len(name)-len(".json")]
		if !stateHashPattern.MatchString(hash) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(stateDir, name))
		if err != nil {
			continue
		}
		var state PageState
		if err := json.Unmarshal(data, &state); err != nil {
			m.log.WarnContext(ctx, "skipping corrupt memory state", "file", name, "error", err)
			continue
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *FileMemory) StoreScreenshot(ctx context.Context, hash string, png []byte) (string, error) {
	if !stateHashPattern.MatchString(hash) {
		return "", apperr.New(apperr.KindBadInput, "malformed state hash %q", hash)
	}
	path := filepath.Join(m.root, "screenshots", hash+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "write screenshot %s", hash)
	}
	return path, nil
}

func (m *FileMemory) Trim(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	states, err := m.allStatesLocked(ctx)
	if err != nil {
		return 0, err
	}
	excess := len(states) - m.maxStates
	if excess <= 0 {
		return 0, nil
	}
	removed := 0
	for _, state := range states[:excess] {
		if err := os.Remove(m.statePath(state.StateHash)); err != nil {
			m.log.WarnContext(ctx, "memory trim failed for state", "hash", state.StateHash, "error", err)
			continue
		}
		os.Remove(filepath.Join(m.root, "screenshots", state.StateHash+".png"))
		m.cache.Remove(state.StateHash)
		removed++
	}
	if removed > 0 {
		m.log.InfoContext(ctx, "memory trimmed", "removed", removed, "kept", len(states)-removed)
	}
	return removed, nil
}

func (m *FileMemory) SetMaxStates(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxStates = n
	}
}

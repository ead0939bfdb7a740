package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/observability"
)

const (
	profileFile = "profile.json"
	storageFile = "storage-state.json"
)

// FileStore keeps one directory per saved session under the broker data dir.
type FileStore struct {
	root string
	node string
	log  *observability.Logger

	mu sync.Mutex
}

func NewFileStore(root, nodeID string, log *observability.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "create profile dir %s", root)
	}
	return &FileStore{root: root, node: nodeID, log: log}, nil
}

func (s *FileStore) dir(name string) string {
	return filepath.Join(s.root, Sanitize(name))
}

func (s *FileStore) Save(ctx context.Context, sess SavedSession, state *browser.StorageState) (SavedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, readErr := s.readMeta(s.dir(sess.Name))
	sess.Version = 1
	if readErr == nil {
		sess.Version = existing.Version + 1
	}
	sum, err := ChecksumOf(state)
	if err != nil {
		return SavedSession{}, apperr.Wrap(apperr.KindInternal, err, "checksum storage state")
	}
	sess.Checksum = sum
	sess.LastModified = time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.LastModified
	}
	if sess.OriginNode == "" {
		sess.OriginNode = s.node
	}
	if err := s.write(sess, state); err != nil {
		return SavedSession{}, err
	}
	s.log.InfoContext(ctx, "profile saved",
		"name", sess.Name, "version", sess.Version, "url", sess.URL)
	return sess, nil
}

func (s *FileStore) put(ctx context.Context, sess SavedSession, state *browser.StorageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(sess, state); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "profile imported",
		"name", sess.Name, "version", sess.Version, "origin", sess.OriginNode)
	return nil
}

// write lands both files atomically: temp file then rename, metadata last so
// a crash never leaves profile.json pointing at absent storage.
func (s *FileStore) write(sess SavedSession, state *browser.StorageState) error {
	dir := s.dir(sess.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "create profile dir %s", dir)
	}
	if state != nil {
		data, err := CanonicalBytes(state)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "encode storage state")
		}
		if err := atomicWrite(filepath.Join(dir, storageFile), data); err != nil {
			return err
		}
	}
	meta, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "encode profile %q", sess.Name)
	}
	return atomicWrite(filepath.Join(dir, profileFile), meta)
}

func (s *FileStore) Get(ctx context.Context, name string) (*SavedSession, *browser.StorageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir(name)
	sess, err := s.readMeta(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, apperr.New(apperr.KindBadInput, "unknown profile %q", name)
		}
		return nil, nil, apperr.Wrap(apperr.KindIntegrity, err, "read profile %q", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, storageFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &sess, nil, nil
		}
		return nil, nil, apperr.Wrap(apperr.KindInternal, err, "read storage state for %q", name)
	}
	var state browser.StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindIntegrity, err, "decode storage state for %q", name)
	}
	return &sess, &state, nil
}

func (s *FileStore) List(ctx context.Context) ([]SavedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "read profile dir %s", s.root)
	}
	var out []SavedSession
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sess, err := s.readMeta(filepath.Join(s.root, entry.Name()))
		if err != nil {
			// Directories without parseable metadata are skipped, not fatal.
			s.log.WarnContext(ctx, "skipping unreadable profile", "dir", entry.Name(), "error", err)
			continue
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir(name)
	if _, err := os.Stat(filepath.Join(dir, profileFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.New(apperr.KindBadInput, "unknown profile %q", name)
		}
		return apperr.Wrap(apperr.KindInternal, err, "stat profile %q", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "delete profile %q", name)
	}
	s.log.InfoContext(ctx, "profile deleted", "name", name)
	return nil
}

func (s *FileStore) readMeta(dir string) (SavedSession, error) {
	data, err := os.ReadFile(filepath.Join(dir, profileFile))
	if err != nil {
		return SavedSession{}, err
	}
	var sess SavedSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return SavedSession{}, fmt.Errorf("decode %s: %w", profileFile, err)
	}
	if sess.Name == "" {
		return SavedSession{}, fmt.Errorf("profile in %s has no name", dir)
	}
	return sess, nil
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "create temp file for %s", path)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, err, "close temp file for %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternal, err, "rename into %s", path)
	}
	return nil
}

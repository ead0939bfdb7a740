package peersync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/observability"
	"drover/internal/profiles"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func testService(t *testing.T, node string) (*Service, profiles.Store) {
	t.Helper()
	store, err := profiles.NewFileStore(t.TempDir(), node, testLogger())
	require.NoError(t, err)
	peers, err := NewRegistry(t.TempDir(), testLogger())
	require.NoError(t, err)
	return NewService(node, store, peers, testLogger()), store
}

func seedSession(t *testing.T, store profiles.Store, name string) profiles.SavedSession {
	t.Helper()
	saved, err := store.Save(context.Background(), profiles.SavedSession{
		Name:  name,
		URL:   "https://example.com/dashboard",
		Title: "Dashboard",
	}, &browser.StorageState{
		Cookies: []browser.Cookie{{Name: "sid", Value: "abc", Domain: "example.com", Path: "/"}},
	})
	require.NoError(t, err)
	return saved
}

// syncHandler serves the sync surface of a remote broker in tests.
func syncHandler(svc *Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/sync/index", func(w http.ResponseWriter, r *http.Request) {
		entries, err := svc.Index(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("/sync/sessions/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/sync/sessions/")
		archive, err := svc.Export(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(archive)
	})
	return mux
}

func TestNodeIDPersists(t *testing.T) {
	dir := t.TempDir()

	id, err := NodeID("", dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "node-"))

	again, err := NodeID("", dir)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	configured, err := NodeID("broker-7", dir)
	require.NoError(t, err)
	assert.Equal(t, "broker-7", configured)
}

func TestRegistryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, reg.Add(Peer{Name: "b", URL: "http://b.local"}))
	require.NoError(t, reg.Add(Peer{Name: "a", URL: "http://a.local", AuthMethod: "api_key", APIKey: "k"}))

	reloaded, err := NewRegistry(dir, testLogger())
	require.NoError(t, err)
	peers := reloaded.List()
	require.Len(t, peers, 2)
	assert.Equal(t, "a", peers[0].Name)
	assert.Equal(t, StatusUnknown, peers[0].Status)

	reloaded.MarkProbe("a", nil)
	p, err := reloaded.Get("a")
	require.NoError(t, err)
	assert.Equal(t, StatusReachable, p.Status)
	assert.False(t, p.LastSeen.IsZero())

	reloaded.MarkProbe("b", apperr.New(apperr.KindDriver, "refused"))
	p, err = reloaded.Get("b")
	require.NoError(t, err)
	assert.Equal(t, StatusUnreachable, p.Status)

	require.NoError(t, reloaded.Remove("a"))
	err = reloaded.Remove("a")
	assert.True(t, apperr.Is(err, apperr.KindBadInput))
}

func TestRegistryRejectsIncompletePeer(t *testing.T) {
	reg, err := NewRegistry(t.TempDir(), testLogger())
	require.NoError(t, err)
	assert.True(t, apperr.Is(reg.Add(Peer{Name: "x"}), apperr.KindBadInput))
	assert.True(t, apperr.Is(reg.Add(Peer{URL: "http://x"}), apperr.KindBadInput))
}

func TestPullFromPeer(t *testing.T) {
	remote, remoteStore := testService(t, "node-remote")
	seedSession(t, remoteStore, "shared")

	srv := httptest.NewServer(syncHandler(remote))
	defer srv.Close()

	local, localStore := testService(t, "node-local")
	require.NoError(t, local.Peers().Add(Peer{Name: "remote", URL: srv.URL}))

	client := NewClient()
	accepted, err := local.PullFrom(context.Background(), client, "remote")
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)

	got, state, err := localStore.Get(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "node-remote", got.OriginNode)
	require.NotNil(t, state)
	assert.Equal(t, "sid", state.Cookies[0].Name)

	// A second pull sees matching versions and downloads nothing.
	accepted, err = local.PullFrom(context.Background(), client, "remote")
	require.NoError(t, err)
	assert.Equal(t, 0, accepted)
}

func TestPullRejectsTamperedChecksum(t *testing.T) {
	remote, remoteStore := testService(t, "node-remote")
	saved := seedSession(t, remoteStore, "shared")

	// Serve the archive with a checksum that does not match its bytes.
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/index", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]IndexEntry{{
			Name: saved.Name, Version: saved.Version,
			Checksum: "deadbeef", LastModified: saved.LastModified,
		}})
	})
	mux.HandleFunc("/sync/sessions/", func(w http.ResponseWriter, r *http.Request) {
		archive, err := remote.Export(r.Context(), "shared")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		archive.Session.Checksum = "deadbeef"
		json.NewEncoder(w).Encode(archive)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	local, localStore := testService(t, "node-local")
	require.NoError(t, local.Peers().Add(Peer{Name: "remote", URL: srv.URL}))

	accepted, err := local.PullFrom(context.Background(), NewClient(), "remote")
	require.NoError(t, err) // per-session failures are logged, not fatal
	assert.Equal(t, 0, accepted)

	_, _, err = localStore.Get(context.Background(), "shared")
	assert.True(t, apperr.Is(err, apperr.KindBadInput), "nothing may be written on integrity failure")
}

func TestImportConflictKeepsNewerLocal(t *testing.T) {
	local, localStore := testService(t, "node-local")
	ctx := context.Background()

	seedSession(t, localStore, "shared")
	bumped, err := localStore.Save(ctx, profiles.SavedSession{Name: "shared", URL: "https://example.com/v2", Title: "v2"},
		&browser.StorageState{})
	require.NoError(t, err)
	require.Equal(t, 2, bumped.Version)

	state := &browser.StorageState{Cookies: []browser.Cookie{{Name: "old", Value: "1"}}}
	sum, err := profiles.ChecksumOf(state)
	require.NoError(t, err)
	accepted, err := local.Import(ctx, profiles.Archive{
		Session: profiles.SavedSession{Name: "shared", Version: 1, Checksum: sum, OriginNode: "node-remote"},
		Storage: state,
	})
	require.NoError(t, err)
	assert.False(t, accepted)

	got, _, err := localStore.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestPushTreatsConflictAsSettled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	err := NewClient().Push(context.Background(), Peer{Name: "remote", URL: srv.URL}, profiles.Archive{})
	assert.NoError(t, err)
}

func TestProbeAllUpdatesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc, _ := testService(t, "node-local")
	require.NoError(t, svc.Peers().Add(Peer{Name: "up", URL: srv.URL}))
	require.NoError(t, svc.Peers().Add(Peer{Name: "down", URL: "http://127.0.0.1:1"}))

	svc.ProbeAll(context.Background(), NewClient())

	up, err := svc.Peers().Get("up")
	require.NoError(t, err)
	assert.Equal(t, StatusReachable, up.Status)
	down, err := svc.Peers().Get("down")
	require.NoError(t, err)
	assert.Equal(t, StatusUnreachable, down.Status)
}

func TestNodeIDFileContents(t *testing.T) {
	dir := t.TempDir()
	id, err := NodeID("", dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, nodeIDFile))
	require.NoError(t, err)
	assert.Equal(t, id, strings.TrimSpace(string(data)))
}

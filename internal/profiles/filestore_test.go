package profiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/observability"
)

func testStore(t *testing.T) *FileStore {
	t.Helper()
	log := observability.NewLogger(observability.LogConfig{Level: "error"})
	store, err := NewFileStore(t.TempDir(), "node-test", log)
	require.NoError(t, err)
	return store
}

func sampleState() *browser.StorageState {
	return &browser.StorageState{
		Cookies: []browser.Cookie{{Name: "sid", Value: "abc", Domain: "example.com", Path: "/"}},
		Origins: []browser.OriginState{{
			Origin:       "https://example.com",
			LocalStorage: []browser.StorageItem{{Name: "theme", Value: "dark"}},
		}},
	}
}

func TestSaveRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	saved, err := store.Save(ctx, SavedSession{
		Name:  "My Work Session!",
		URL:   "https://example.com/dashboard",
		Title: "Dashboard",
	}, sampleState())
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version)
	assert.NotEmpty(t, saved.Checksum)
	assert.Equal(t, "node-test", saved.OriginNode)

	got, state, err := store.Get(ctx, "My Work Session!")
	require.NoError(t, err)
	assert.Equal(t, saved.URL, got.URL)
	assert.Equal(t, saved.Checksum, got.Checksum)
	require.NotNil(t, state)
	require.Len(t, state.Cookies, 1)
	assert.Equal(t, "sid", state.Cookies[0].Name)
}

func TestResaveBumpsVersion(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, SavedSession{Name: "demo", URL: "https://a.example"}, sampleState())
	require.NoError(t, err)
	second, err := store.Save(ctx, SavedSession{Name: "demo", URL: "https://b.example"}, sampleState())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	got, _, err := store.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "https://b.example", got.URL)
}

func TestGetUnknownProfile(t *testing.T) {
	store := testStore(t)
	_, _, err := store.Get(context.Background(), "missing")
	assert.Equal(t, apperr.KindBadInput, apperr.KindOf(err))
}

func TestDegradedGetWithoutStorage(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, SavedSession{Name: "demo", URL: "https://example.com"}, sampleState())
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(store.dir("demo"), storageFile)))

	sess, state, err := store.Get(ctx, "demo")
	require.NoError(t, err)
	assert.NotNil(t, sess)
	assert.Nil(t, state)
}

func TestListSkipsBrokenDirs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, SavedSession{Name: "good", URL: "https://example.com"}, nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(store.root, "stray"), 0o755))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].Name)
}

func TestDelete(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Save(ctx, SavedSession{Name: "demo"}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "demo"))
	assert.Equal(t, apperr.KindBadInput, apperr.KindOf(store.Delete(ctx, "demo")))
}

func TestImportChecksumMismatch(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	accepted, err := Import(ctx, store, Archive{
		Session: SavedSession{Name: "demo", Version: 1, Checksum: "deadbeef"},
		Storage: sampleState(),
	})
	assert.False(t, accepted)
	assert.Equal(t, apperr.KindIntegrity, apperr.KindOf(err))
	_, _, err = store.Get(ctx, "demo")
	assert.Equal(t, apperr.KindBadInput, apperr.KindOf(err))
}

func TestImportConflictResolution(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	local, err := store.Save(ctx, SavedSession{Name: "demo", URL: "https://local.example"}, nil)
	require.NoError(t, err)

	state := sampleState()
	sum, err := ChecksumOf(state)
	require.NoError(t, err)

	// Lower version loses to the local copy.
	accepted, err := Import(ctx, store, Archive{
		Session: SavedSession{
			Name: "demo", URL: "https://stale.example", Version: 0,
			Checksum: sum, LastModified: time.Now().Add(time.Hour),
		},
		Storage: state,
	})
	require.NoError(t, err)
	assert.False(t, accepted)

	// Greater version wins regardless of lastModified.
	accepted, err = Import(ctx, store, Archive{
		Session: SavedSession{
			Name: "demo", URL: "https://remote.example", Version: local.Version + 1,
			Checksum: sum, LastModified: time.Now().Add(-time.Hour),
		},
		Storage: state,
	})
	require.NoError(t, err)
	assert.True(t, accepted)

	got, _, err := store.Get(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example", got.URL)
	assert.Equal(t, local.Version+1, got.Version)
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"My Work Session!": "my-work-session",
		"a/b\\c":           "a-b-c",
		"  ":               "untitled",
		"Already_ok-1":     "already_ok-1",
		"..":               "untitled",
	}
	for in, want := range cases {
		assert.Equal(t, want, Sanitize(in), "input %q", in)
	}
}

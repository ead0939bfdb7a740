package crawl

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"drover/internal/apperr"
	"drover/internal/observability"
)

func testMemory(t *testing.T, maxStates int) *FileMemory {
	t.Helper()
	log := observability.NewLogger(observability.LogConfig{Level: "error"})
	m, err := NewFileMemory(t.TempDir(), maxStates, log)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestStoreStateIdempotent(t *testing.T) {
	m := testMemory(t, 10)
	ctx := context.Background()
	state := PageState{
		StateHash: StateHash("some snapshot"),
		URL:       "https://example.com/",
		Timestamp: time.Now().UTC(),
		Visited:   true,
	}
	if err := m.StoreState(ctx, state); err != nil {
		t.Fatal(err)
	}
	if err := m.StoreState(ctx, state); err != nil {
		t.Fatal(err)
	}
	states, err := m.AllStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 {
		t.Fatalf("expected one state after double store, got %d", len(states))
	}
	if !m.HasState(ctx, state.StateHash) {
		t.Fatal("HasState false for stored hash")
	}
	got, err := m.GetState(ctx, state.StateHash)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != state.URL {
		t.Fatalf("round trip URL = %q, want %q", got.URL, state.URL)
	}
}

func TestStateHashShape(t *testing.T) {
	h := StateHash("page text")
	if len(h) != 16 {
		t.Fatalf("hash length %d, want 16", len(h))
	}
	if h != StateHash("page text") {
		t.Fatal("hash not deterministic")
	}
	if h == StateHash("other text") {
		t.Fatal("distinct inputs collided")
	}
}

func TestGetUnknownState(t *testing.T) {
	m := testMemory(t, 10)
	if _, err := m.GetState(context.Background(), "0123456789abcdef"); !apperr.Is(err, apperr.KindBadInput) {
		t.Fatalf("expected bad_input for unknown hash, got %v", err)
	}
}

func TestRejectMalformedHash(t *testing.T) {
	m := testMemory(t, 10)
	err := m.StoreState(context.Background(), PageState{StateHash: "../../etc/passwd"})
	if !apperr.Is(err, apperr.KindBadInput) {
		t.Fatalf("expected bad_input for malformed hash, got %v", err)
	}
}

func TestTrimEvictsOldest(t *testing.T) {
	m := testMemory(t, 2)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	hashes := []string{
		StateHash("first"), StateHash("second"), StateHash("third"),
	}
	for i, h := range hashes {
		err := m.StoreState(ctx, PageState{
			StateHash: h,
			URL:       "https://example.com/",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	removed, err := m.Trim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed %d states, want 1", removed)
	}
	if m.HasState(ctx, hashes[0]) {
		t.Fatal("oldest state survived the trim")
	}
	for _, h := range hashes[1:] {
		if !m.HasState(ctx, h) {
			t.Fatalf("state %s evicted prematurely", h)
		}
	}
}

func TestMemoryLayoutOnDisk(t *testing.T) {
	m := testMemory(t, 10)
	ctx := context.Background()
	state := PageState{
		StateHash: StateHash("layout check"),
		URL:       "https://example.com/layout",
		Timestamp: time.Now().UTC(),
	}
	if err := m.StoreState(ctx, state); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(m.root, "memory", state.StateHash+".json")); err != nil {
		t.Fatalf("state file not under memory/: %v", err)
	}
	if _, err := m.StoreScreenshot(ctx, state.StateHash, []byte("\x89PNG fake")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(m.root, "screenshots", state.StateHash+".png")); err != nil {
		t.Fatalf("screenshot not under top-level screenshots/: %v", err)
	}
}

func TestScreenshotColocation(t *testing.T) {
	m := testMemory(t, 10)
	ctx := context.Background()
	hash := StateHash("with screenshot")
	path, err := m.StoreScreenshot(ctx, hash, []byte("\x89PNG fake"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != filepath.Join(m.root, "screenshots") {
		t.Fatalf("screenshot stored at %s, want the screenshots sibling", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal(err)
	}
}

package browser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"drover/internal/apperr"
)

func TestLoadStorageState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage-state.json")
	body := `{"cookies":[{"name":"sid","value":"1","domain":"example.com"}],"origins":[{"origin":"https://example.com","localStorage":[{"name":"theme","value":"dark"}]}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	state, err := LoadStorageState(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Cookies) != 1 || state.Cookies[0].Name != "sid" {
		t.Fatalf("cookies = %+v", state.Cookies)
	}
	if len(state.Origins) != 1 || state.Origins[0].LocalStorage[0].Value != "dark" {
		t.Fatalf("origins = %+v", state.Origins)
	}

	if _, err := LoadStorageState(filepath.Join(t.TempDir(), "missing.json")); !apperr.Is(err, apperr.KindBadInput) {
		t.Fatalf("missing file should be bad input, got %v", err)
	}
}

func TestOriginRulesPermit(t *testing.T) {
	cases := []struct {
		name    string
		rules   OriginRules
		url     string
		allowed bool
	}{
		{"no rules allows all", OriginRules{}, "https://example.com/a", true},
		{"blocked host", OriginRules{Blocked: []string{"evil.com"}}, "https://evil.com/", false},
		{"blocked subdomain", OriginRules{Blocked: []string{"evil.com"}}, "https://cdn.evil.com/x", false},
		{"allow list admits member", OriginRules{Allowed: []string{"example.com"}}, "https://example.com/", true},
		{"allow list rejects stranger", OriginRules{Allowed: []string{"example.com"}}, "https://other.com/", false},
		{"wildcard rule", OriginRules{Allowed: []string{"*.example.com"}}, "https://docs.example.com/", true},
		{"wildcard excludes apex mismatch", OriginRules{Allowed: []string{"*.example.com"}}, "https://examples.com/", false},
		{"full origin rule", OriginRules{Blocked: []string{"https://evil.com:8443"}}, "http://evil.com/", false},
		{"blocked wins over allowed", OriginRules{Allowed: []string{"example.com"}, Blocked: []string{"example.com"}}, "https://example.com/", false},
		{"about URLs carry no origin", OriginRules{Allowed: []string{"example.com"}}, "about:blank", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rules.Permit(tc.url); got != tc.allowed {
				t.Fatalf("Permit(%q) = %v, want %v", tc.url, got, tc.allowed)
			}
		})
	}
}

func TestResolveKey(t *testing.T) {
	if seq, err := resolveKey("a"); err != nil || seq != "a" {
		t.Fatalf("single rune should pass through, got %q, %v", seq, err)
	}
	if _, err := resolveKey("Enter"); err != nil {
		t.Fatalf("named key Enter: %v", err)
	}
	if _, err := resolveKey("NoSuchKey"); !apperr.Is(err, apperr.KindBadInput) {
		t.Fatalf("unknown key should be bad input, got %v", err)
	}
}

func TestLookupDevice(t *testing.T) {
	if _, ok := lookupDevice("iPhone X"); !ok {
		t.Fatal("iPhone X should be known")
	}
	if _, ok := lookupDevice("  pixel   2 "); !ok {
		t.Fatal("device lookup should normalize whitespace and case")
	}
	if _, ok := lookupDevice("commodore 64"); ok {
		t.Fatal("commodore 64 should be unknown")
	}
}

func TestMockDriverSessionIsolation(t *testing.T) {
	ctx := context.Background()
	d := NewMockDriver()
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}

	c1, err := d.NewContext(ctx, ContextOptions{})
	if err != nil {
		t.Fatal(err)
	}
	c2, err := d.NewContext(ctx, ContextOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := c1.SetCookie(ctx, Cookie{Name: "sid", Value: "one", Domain: "example.com"}); err != nil {
		t.Fatal(err)
	}
	got, err := c2.Cookies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("contexts must not share cookies, c2 sees %v", got)
	}
}

func TestMockDriverStorageStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := NewMockDriver()
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}

	c1, err := d.NewContext(ctx, ContextOptions{})
	if err != nil {
		t.Fatal(err)
	}
	p1, err := c1.NewPage(ctx, PageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p1.Navigate(ctx, "https://example.com/"); err != nil {
		t.Fatal(err)
	}
	if err := c1.SetCookie(ctx, Cookie{Name: "sid", Value: "abc", Domain: "example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := p1.SetLocalStorageItem(ctx, "theme", "dark"); err != nil {
		t.Fatal(err)
	}

	st, err := c1.StorageState(ctx, p1)
	if err != nil {
		t.Fatal(err)
	}

	c2, err := d.NewContext(ctx, ContextOptions{StorageState: st})
	if err != nil {
		t.Fatal(err)
	}
	cookies, err := c2.Cookies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cookies) != 1 || cookies[0].Value != "abc" {
		t.Fatalf("seeded context should carry the cookie, got %v", cookies)
	}
	p2, err := c2.NewPage(ctx, PageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p2.Navigate(ctx, "https://example.com/"); err != nil {
		t.Fatal(err)
	}
	items, err := p2.LocalStorage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if items["theme"] != "dark" {
		t.Fatalf("seeded localStorage missing, got %v", items)
	}
}

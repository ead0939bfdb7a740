// Package config resolves broker configuration from defaults, an optional
// YAML file, environment variables, and CLI flag overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrInvalid marks configuration that failed validation. main maps it to a
// distinct exit code so deploy scripts can tell bad config from runtime faults.
var ErrInvalid = errors.New("invalid configuration")

// Config is the fully resolved broker configuration.
type Config struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	DataDir   string `mapstructure:"data_dir" yaml:"data_dir"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Crawl   CrawlConfig   `mapstructure:"crawl" yaml:"crawl"`
	Auth    AuthConfig    `mapstructure:"auth" yaml:"auth"`
	Sync    SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// DatabaseURL switches the saved-session store to Postgres when set.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`

	AuditLogging   bool     `mapstructure:"audit_logging" yaml:"audit_logging"`
	NoPortTakeover bool     `mapstructure:"no_port_takeover" yaml:"no_port_takeover"`
	Caps           []string `mapstructure:"caps" yaml:"caps"`

	// ImageResponses controls whether screenshot content is returned inline:
	// allow, omit, or auto (omit when the client did not advertise vision).
	ImageResponses string `mapstructure:"image_responses" yaml:"image_responses"`
}

// BrowserConfig configures the driver.
type BrowserConfig struct {
	Browser             string   `mapstructure:"browser" yaml:"browser"`
	Headless            bool     `mapstructure:"headless" yaml:"headless"`
	UserDataDir         string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Isolated            bool     `mapstructure:"isolated" yaml:"isolated"`
	AllowedOrigins      []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	BlockedOrigins      []string `mapstructure:"blocked_origins" yaml:"blocked_origins"`
	BlockServiceWorkers bool     `mapstructure:"block_service_workers" yaml:"block_service_workers"`
	ProxyServer         string   `mapstructure:"proxy_server" yaml:"proxy_server"`
	ProxyBypass         string   `mapstructure:"proxy_bypass" yaml:"proxy_bypass"`
	ViewportSize        string   `mapstructure:"viewport_size" yaml:"viewport_size"`
	UserAgent           string   `mapstructure:"user_agent" yaml:"user_agent"`
	Device              string   `mapstructure:"device" yaml:"device"`
	IgnoreHTTPSErrors   bool     `mapstructure:"ignore_https_errors" yaml:"ignore_https_errors"`
	StorageState        string   `mapstructure:"storage_state" yaml:"storage_state"`
	SaveTrace           bool     `mapstructure:"save_trace" yaml:"save_trace"`
	CDPEndpoint         string   `mapstructure:"cdp_endpoint" yaml:"cdp_endpoint"`
	Vision              bool     `mapstructure:"vision" yaml:"vision"`
	NoSandbox           bool     `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	EdgeProfile         string   `mapstructure:"edge_profile" yaml:"edge_profile"`
	Workspace           string   `mapstructure:"workspace" yaml:"workspace"`
}

// SessionConfig bounds the session manager.
type SessionConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	TimeoutMs     int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	BufferSize    int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// CrawlConfig holds autonomous crawl defaults; individual crawls may narrow
// but never widen them.
type CrawlConfig struct {
	MaxDepth        int      `mapstructure:"max_depth" yaml:"max_depth"`
	MaxPages        int      `mapstructure:"max_pages" yaml:"max_pages"`
	TimeoutMs       int      `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	MaxStates       int      `mapstructure:"max_states" yaml:"max_states"`
	RatePerSecond   float64  `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst       int      `mapstructure:"rate_burst" yaml:"rate_burst"`
	PerHostVisitCap int      `mapstructure:"per_host_visit_cap" yaml:"per_host_visit_cap"`
	AllowedDomains  []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`
	BlockedDomains  []string `mapstructure:"blocked_domains" yaml:"blocked_domains"`
	BlockedPattern  string   `mapstructure:"blocked_pattern" yaml:"blocked_pattern"`
	Screenshots     bool     `mapstructure:"screenshots" yaml:"screenshots"`
}

// AuthConfig configures the authentication fan-in.
type AuthConfig struct {
	EntraEnabled           bool     `mapstructure:"entra_enabled" yaml:"entra_enabled"`
	TenantID               string   `mapstructure:"tenant_id" yaml:"tenant_id"`
	ClientID               string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret           string   `mapstructure:"client_secret" yaml:"client_secret"`
	APIKeyEnabled          bool     `mapstructure:"api_key_enabled" yaml:"api_key_enabled"`
	APIKeys                []string `mapstructure:"api_keys" yaml:"api_keys"`
	TunnelEnabled          bool     `mapstructure:"tunnel_enabled" yaml:"tunnel_enabled"`
	TunnelAllowedDomains   []string `mapstructure:"tunnel_allowed_domains" yaml:"tunnel_allowed_domains"`
	TrustProxy             bool     `mapstructure:"trust_proxy" yaml:"trust_proxy"`
	ManagedIdentityEnabled bool     `mapstructure:"managed_identity_enabled" yaml:"managed_identity_enabled"`
	KeyVaultURL            string   `mapstructure:"key_vault_url" yaml:"key_vault_url"`
	AllowAnonymous         bool     `mapstructure:"allow_anonymous" yaml:"allow_anonymous"`
	RequiredRoles          []string `mapstructure:"required_roles" yaml:"required_roles"`

	// StaticClients are OAuth clients known ahead of time, seeded at boot
	// so fixed-redirect clients skip dynamic registration.
	StaticClients []StaticClient `mapstructure:"static_clients" yaml:"static_clients"`
}

// StaticClient is one pre-registered OAuth client.
type StaticClient struct {
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	Name         string   `mapstructure:"name" yaml:"name"`
	RedirectURIs []string `mapstructure:"redirect_uris" yaml:"redirect_uris"`
}

// SyncConfig configures peer sync identity.
type SyncConfig struct {
	NodeID string `mapstructure:"node_id" yaml:"node_id"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Viewport returns the parsed viewport dimensions.
func (c *BrowserConfig) Viewport() (width, height int) {
	width, height = 1280, 720
	parts := strings.Split(c.ViewportSize, ",")
	if len(parts) != 2 {
		return width, height
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return width, height
	}
	return w, h
}

// ProfilesDir returns the saved-session directory under the data dir.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "session-states")
}

// MemoryDir returns the crawl memory directory under the data dir.
func (c *Config) MemoryDir() string {
	return filepath.Join(c.DataDir, "memory")
}

// ScreenshotsDir returns the crawl screenshot directory under the data dir.
func (c *Config) ScreenshotsDir() string {
	return filepath.Join(c.DataDir, "screenshots")
}

// ReportsDir returns the crawl report directory.
func (c *Config) ReportsDir() string {
	if c.OutputDir != "" {
		return c.OutputDir
	}
	return filepath.Join(c.DataDir, "reports")
}

// SyncDir returns the peer sync directory under the data dir.
func (c *Config) SyncDir() string {
	return filepath.Join(c.DataDir, "sync")
}

// Validate checks invariants that would make the broker misbehave at runtime.
// All failures wrap ErrInvalid.
func (c *Config) Validate() error {
	var problems []string

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	switch c.ImageResponses {
	case "allow", "omit", "auto":
	default:
		problems = append(problems, fmt.Sprintf("image_responses %q must be allow, omit, or auto", c.ImageResponses))
	}
	if c.Session.MaxConcurrent < 1 {
		problems = append(problems, "session.max_concurrent must be at least 1")
	}
	if c.Session.TimeoutMs < 0 {
		problems = append(problems, "session.timeout_ms must not be negative")
	}
	if c.Crawl.MaxDepth < 1 {
		problems = append(problems, "crawl.max_depth must be at least 1")
	}
	if c.Crawl.MaxPages < 1 {
		problems = append(problems, "crawl.max_pages must be at least 1")
	}
	if c.Crawl.RatePerSecond <= 0 {
		problems = append(problems, "crawl.rate_per_second must be positive")
	}
	if c.Auth.EntraEnabled && (c.Auth.TenantID == "" || c.Auth.ClientID == "") {
		problems = append(problems, "auth.entra_enabled requires tenant_id and client_id")
	}
	if c.Auth.APIKeyEnabled && len(c.Auth.APIKeys) == 0 {
		problems = append(problems, "auth.api_key_enabled requires at least one key")
	}
	for i, sc := range c.Auth.StaticClients {
		if sc.ClientID == "" || len(sc.RedirectURIs) == 0 {
			problems = append(problems, fmt.Sprintf("auth.static_clients[%d] needs client_id and redirect_uris", i))
		}
	}
	if vs := strings.TrimSpace(c.Browser.ViewportSize); vs != "" {
		parts := strings.Split(vs, ",")
		valid := len(parts) == 2
		if valid {
			w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
			h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
			valid = errW == nil && errH == nil && w > 0 && h > 0
		}
		if !valid {
			problems = append(problems, fmt.Sprintf("viewport_size %q must be \"W,H\"", vs))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// expandHome replaces a leading ~ with the user home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

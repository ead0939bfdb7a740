package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Option adjusts how Load resolves configuration.
type Option func(*loadOptions)

type loadOptions struct {
	configFile string
	overrides  map[string]any
}

// WithConfigFile reads the given YAML file between defaults and environment.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) {
		o.configFile = strings.TrimSpace(path)
	}
}

// WithOverrides applies resolved CLI flag values at the highest precedence.
// Keys use the dotted config notation, e.g. "browser.headless".
func WithOverrides(overrides map[string]any) Option {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = make(map[string]any, len(overrides))
		}
		for k, val := range overrides {
			o.overrides[k] = val
		}
	}
}

// Load resolves configuration with precedence overrides > env > file > defaults,
// then normalizes and validates it.
func Load(opts ...Option) (*Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	v := viper.New()
	setDefaults(v)
	bindEnvAliases(v)

	if lo.configFile != "" {
		v.SetConfigFile(lo.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for key, val := range lo.overrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8931)
	v.SetDefault("base_url", "")
	v.SetDefault("data_dir", "~/.drover")
	v.SetDefault("output_dir", "")
	v.SetDefault("image_responses", "auto")
	v.SetDefault("audit_logging", false)
	v.SetDefault("no_port_takeover", false)
	v.SetDefault("database_url", "")

	v.SetDefault("browser.browser", "chromium")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.isolated", false)
	v.SetDefault("browser.block_service_workers", false)
	v.SetDefault("browser.viewport_size", "1280,720")
	v.SetDefault("browser.ignore_https_errors", false)
	v.SetDefault("browser.save_trace", false)
	v.SetDefault("browser.vision", false)
	v.SetDefault("browser.no_sandbox", false)

	v.SetDefault("session.max_concurrent", 8)
	v.SetDefault("session.timeout_ms", 1800000)
	v.SetDefault("session.buffer_size", 200)

	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.max_pages", 20)
	v.SetDefault("crawl.timeout_ms", 300000)
	v.SetDefault("crawl.max_states", 1000)
	v.SetDefault("crawl.rate_per_second", 2.0)
	v.SetDefault("crawl.rate_burst", 5)
	v.SetDefault("crawl.per_host_visit_cap", 50)
	v.SetDefault("crawl.screenshots", true)

	v.SetDefault("auth.entra_enabled", false)
	v.SetDefault("auth.api_key_enabled", false)
	v.SetDefault("auth.tunnel_enabled", false)
	v.SetDefault("auth.trust_proxy", false)
	v.SetDefault("auth.managed_identity_enabled", false)
	v.SetDefault("auth.allow_anonymous", true)

	v.SetDefault("sync.node_id", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
}

// bindEnvAliases maps the published environment variable names onto config
// keys. The names predate this config layout and share no common prefix, so
// each is bound explicitly rather than through AutomaticEnv.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string][]string{
		"host":            {"DROVER_HOST"},
		"port":            {"PORT", "DROVER_PORT"},
		"base_url":        {"SERVER_BASE_URL"},
		"data_dir":        {"DROVER_DATA_DIR"},
		"output_dir":      {"DROVER_OUTPUT_DIR"},
		"database_url":    {"DROVER_DATABASE_URL"},
		"audit_logging":   {"AUDIT_LOGGING_ENABLED"},
		"image_responses": {"DROVER_IMAGE_RESPONSES"},

		"browser.cdp_endpoint": {"DROVER_CDP_ENDPOINT"},

		"session.max_concurrent": {"MAX_CONCURRENT_SESSIONS"},
		"session.timeout_ms":     {"SESSION_TIMEOUT_MS"},

		"auth.entra_enabled":            {"ENTRA_AUTH_ENABLED"},
		"auth.tenant_id":                {"AZURE_TENANT_ID"},
		"auth.client_id":                {"AZURE_CLIENT_ID"},
		"auth.client_secret":            {"AZURE_CLIENT_SECRET"},
		"auth.api_key_enabled":          {"API_KEY_AUTH_ENABLED"},
		"auth.api_keys":                 {"API_KEYS"},
		"auth.tunnel_enabled":           {"TUNNEL_AUTH_ENABLED"},
		"auth.tunnel_allowed_domains":   {"TUNNEL_ALLOWED_DOMAINS"},
		"auth.trust_proxy":              {"TRUST_PROXY"},
		"auth.managed_identity_enabled": {"MANAGED_IDENTITY_ENABLED"},
		"auth.key_vault_url":            {"AZURE_KEY_VAULT_URL"},
		"auth.allow_anonymous":          {"ALLOW_ANONYMOUS_ACCESS"},
		"auth.required_roles":           {"REQUIRED_ROLES"},

		"sync.node_id": {"DROVER_NODE_ID"},

		"log.level":  {"DROVER_LOG_LEVEL"},
		"log.format": {"DROVER_LOG_FORMAT"},

		"metrics.enabled": {"DROVER_METRICS_ENABLED"},
	}
	for key, envs := range aliases {
		args := append([]string{key}, envs...)
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(args...)
	}
}

// normalize trims whitespace, expands home-relative paths, and drops empty
// list entries so downstream code never sees them.
func normalize(cfg *Config) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.DataDir = expandHome(strings.TrimSpace(cfg.DataDir))
	cfg.OutputDir = expandHome(strings.TrimSpace(cfg.OutputDir))
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.ImageResponses = strings.ToLower(strings.TrimSpace(cfg.ImageResponses))
	cfg.Caps = cleanList(cfg.Caps)

	b := &cfg.Browser
	b.Browser = strings.ToLower(strings.TrimSpace(b.Browser))
	b.UserDataDir = expandHome(strings.TrimSpace(b.UserDataDir))
	b.AllowedOrigins = cleanList(b.AllowedOrigins)
	b.BlockedOrigins = cleanList(b.BlockedOrigins)
	b.ProxyServer = strings.TrimSpace(b.ProxyServer)
	b.ProxyBypass = strings.TrimSpace(b.ProxyBypass)
	b.ViewportSize = strings.TrimSpace(b.ViewportSize)
	b.UserAgent = strings.TrimSpace(b.UserAgent)
	b.Device = strings.TrimSpace(b.Device)
	b.StorageState = expandHome(strings.TrimSpace(b.StorageState))
	b.CDPEndpoint = strings.TrimSpace(b.CDPEndpoint)

	a := &cfg.Auth
	a.TenantID = strings.TrimSpace(a.TenantID)
	a.ClientID = strings.TrimSpace(a.ClientID)
	a.ClientSecret = strings.TrimSpace(a.ClientSecret)
	a.APIKeys = cleanList(a.APIKeys)
	a.TunnelAllowedDomains = cleanList(a.TunnelAllowedDomains)
	a.KeyVaultURL = strings.TrimSpace(a.KeyVaultURL)
	a.RequiredRoles = cleanList(a.RequiredRoles)

	cfg.Sync.NodeID = strings.TrimSpace(cfg.Sync.NodeID)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))

	if cfg.Crawl.PerHostVisitCap < 0 {
		cfg.Crawl.PerHostVisitCap = 0
	}
	if cfg.Crawl.RateBurst < 1 {
		cfg.Crawl.RateBurst = 1
	}
	if cfg.Session.BufferSize < 1 {
		cfg.Session.BufferSize = 200
	}
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		// Env-sourced lists may arrive as one comma-joined element.
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"drover/internal/config"
	"drover/internal/version"
)

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "drover",
		Short:         "Multi-tenant browser automation broker",
		Long:          "drover brokers browser sessions for automation clients: a JSON-RPC tool catalog,\nautonomous crawling, session-state sync across nodes, and an OAuth proxy.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(
				config.WithConfigFile(configFile),
				config.WithOverrides(flagOverrides(cmd)),
			)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			printBanner(cfg)
			return runBroker(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "path to a YAML config file")

	f.String("host", "", "listen host")
	f.Int("port", 0, "listen port")
	f.String("base-url", "", "externally visible base URL")
	f.String("data-dir", "", "broker state directory")
	f.String("output-dir", "", "directory for screenshots, PDFs, traces")
	f.String("database-url", "", "Postgres URL for the saved-session store")
	f.Bool("audit-logging", false, "log every tool invocation")
	f.Bool("no-port-takeover", false, "fail instead of terminating a previous listener")
	f.StringSlice("caps", nil, "additional capability groups to enable")
	f.String("image-responses", "", "inline screenshot policy: allow, omit, auto")
	f.String("log-level", "", "log level: debug, info, warn, error")
	f.String("log-format", "", "log format: json, text")
	f.Bool("metrics", true, "expose Prometheus metrics on /metrics")

	f.String("browser", "", "browser to launch: chromium, chrome, msedge")
	f.Bool("headless", true, "run the browser headless")
	f.String("user-data-dir", "", "persistent browser profile directory")
	f.Bool("isolated", false, "use an ephemeral profile, discarded on close")
	f.StringSlice("allowed-origins", nil, "origins the browser may reach")
	f.StringSlice("blocked-origins", nil, "origins the browser must not reach")
	f.Bool("block-service-workers", false, "block service worker registration")
	f.String("proxy-server", "", "proxy server for browser traffic")
	f.String("proxy-bypass", "", "comma-separated proxy bypass list")
	f.String("viewport-size", "", "viewport as width,height")
	f.String("user-agent", "", "user agent override")
	f.String("device", "", "device preset to emulate")
	f.Bool("ignore-https-errors", false, "ignore TLS certificate errors")
	f.String("storage-state", "", "storage state file to seed new contexts")
	f.Bool("save-trace", false, "record traces for every session")
	f.String("cdp-endpoint", "", "attach to an existing browser over CDP")
	f.Bool("vision", false, "assume clients can consume screenshots")
	f.Bool("no-sandbox", false, "disable the browser sandbox")

	return cmd
}

// flagOverrides converts changed flags into dotted config keys. Untouched
// flags stay out of the map so file and env values survive.
func flagOverrides(cmd *cobra.Command) map[string]any {
	keys := map[string]string{
		"host":                  "host",
		"port":                  "port",
		"base-url":              "base_url",
		"data-dir":              "data_dir",
		"output-dir":            "output_dir",
		"database-url":          "database_url",
		"audit-logging":         "audit_logging",
		"no-port-takeover":      "no_port_takeover",
		"caps":                  "caps",
		"image-responses":       "image_responses",
		"log-level":             "log.level",
		"log-format":            "log.format",
		"metrics":               "metrics.enabled",
		"browser":               "browser.browser",
		"headless":              "browser.headless",
		"user-data-dir":         "browser.user_data_dir",
		"isolated":              "browser.isolated",
		"allowed-origins":       "browser.allowed_origins",
		"blocked-origins":       "browser.blocked_origins",
		"block-service-workers": "browser.block_service_workers",
		"proxy-server":          "browser.proxy_server",
		"proxy-bypass":          "browser.proxy_bypass",
		"viewport-size":         "browser.viewport_size",
		"user-agent":            "browser.user_agent",
		"device":                "browser.device",
		"ignore-https-errors":   "browser.ignore_https_errors",
		"storage-state":         "browser.storage_state",
		"save-trace":            "browser.save_trace",
		"cdp-endpoint":          "browser.cdp_endpoint",
		"vision":                "browser.vision",
		"no-sandbox":            "browser.no_sandbox",
	}

	overrides := map[string]any{}
	for flagName, key := range keys {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil || !flag.Changed {
			continue
		}
		val, err := flagValue(cmd, flagName, flag.Value.Type())
		if err != nil {
			continue
		}
		overrides[key] = val
	}
	return overrides
}

func flagValue(cmd *cobra.Command, name, typ string) (any, error) {
	f := cmd.Flags()
	switch typ {
	case "bool":
		v, err := f.GetBool(name)
		return v, err
	case "int":
		v, err := f.GetInt(name)
		return v, err
	case "stringSlice":
		v, err := f.GetStringSlice(name)
		return v, err
	default:
		v, err := f.GetString(name)
		return v, err
	}
}

func printBanner(cfg *config.Config) {
	if os.Getenv("NO_COLOR") != "" {
		fmt.Printf("drover %s listening on %s\n", version.String(), cfg.Addr())
		return
	}
	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Printf("%s %s\n", bold("drover"), gray(version.String()))
	fmt.Printf("  %s %s\n", gray("listen"), cyan(cfg.Addr()))
	fmt.Printf("  %s %s\n", gray("browser"), cyan(cfg.Browser.Browser))
	if cfg.DatabaseURL != "" {
		fmt.Printf("  %s %s\n", gray("store"), cyan("postgres"))
	} else {
		fmt.Printf("  %s %s\n", gray("store"), cyan("file"))
	}
}

package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"drover/internal/authn"
	"drover/internal/browser"
	"drover/internal/config"
	"drover/internal/crawl"
	"drover/internal/observability"
	"drover/internal/peersync"
	"drover/internal/profiles"
	"drover/internal/server"
	"drover/internal/session"
	"drover/internal/tools"
)

// runBroker wires every component and serves until ctx is cancelled.
func runBroker(ctx context.Context, cfg *config.Config) error {
	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{Enabled: cfg.Metrics.Enabled})
	if err != nil {
		return err
	}
	auditor := observability.NewAuditor(log, cfg.AuditLogging)

	driver := browser.NewChromeDriver(cfg.Browser, cfg.DataDir, log)
	if err := driver.Start(ctx); err != nil {
		return err
	}
	defer driver.Stop()

	sessions := session.NewManager(driver, cfg.Session, log, metrics)
	if cfg.Browser.StorageState != "" {
		seed, err := browser.LoadStorageState(cfg.Browser.StorageState)
		if err != nil {
			return err
		}
		sessions.SeedStorageState(seed)
		log.Info("seeding sessions from storage state", "path", cfg.Browser.StorageState, "cookies", len(seed.Cookies))
	}

	syncDir := filepath.Join(cfg.DataDir, "sync")
	nodeID, err := peersync.NodeID(cfg.Sync.NodeID, syncDir)
	if err != nil {
		return err
	}

	store, closeStore, err := buildStore(ctx, cfg, nodeID, log)
	if err != nil {
		return err
	}
	defer closeStore()

	memory, err := crawl.NewFileMemory(cfg.DataDir, cfg.Crawl.MaxStates, log)
	if err != nil {
		return err
	}
	reportsDir := cfg.OutputDir
	if reportsDir == "" {
		reportsDir = filepath.Join(cfg.DataDir, "reports")
	}
	crawls := crawl.NewManager(cfg.Crawl, reportsDir, memory, log, metrics)
	defer crawls.CancelAll()

	if err := loadVaultKeys(ctx, cfg, log); err != nil {
		return err
	}
	auth, err := authn.New(cfg.Auth, log)
	if err != nil {
		return err
	}
	var oauth *authn.OAuthProxy
	if cfg.Auth.EntraEnabled && cfg.BaseURL != "" {
		clients, err := authn.NewClientStore(cfg.DataDir)
		if err != nil {
			return err
		}
		for _, sc := range cfg.Auth.StaticClients {
			if err := clients.Seed(sc.ClientID, sc.Name, sc.RedirectURIs); err != nil {
				return err
			}
		}
		oauth = authn.NewOAuthProxy(cfg.BaseURL, cfg.Auth, clients, log)
	}

	registry := tools.CatalogFor(cfg.Caps)
	if len(cfg.Caps) > 0 {
		log.Info("tool catalog restricted by caps", "caps", cfg.Caps, "tools", registry.Len())
	}
	dispatcher := tools.NewDispatcher(registry, &tools.Deps{
		Config:   cfg,
		Driver:   driver,
		Sessions: sessions,
		Profiles: store,
		Crawls:   crawls,
		Log:      log,
		Metrics:  metrics,
		Auditor:  auditor,
	})

	peers, err := peersync.NewRegistry(syncDir, log)
	if err != nil {
		return err
	}
	svc := peersync.NewService(nodeID, store, peers, log)
	syncClient := peersync.NewClient()

	srv := server.New(server.Options{
		Config:     cfg,
		Log:        log,
		Metrics:    metrics,
		Auth:       auth,
		OAuth:      oauth,
		Driver:     driver,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Sync:       svc,
		SyncClient: syncClient,
	})

	jobs := startJobs(ctx, sessions, svc, syncClient, memory, log)
	defer func() {
		stopped := jobs.Stop()
		<-stopped.Done()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	return g.Wait()
}

// buildStore selects Postgres when a database URL is configured, the file
// store otherwise. The returned closer is a no-op for the file store.
func buildStore(ctx context.Context, cfg *config.Config, nodeID string, log *observability.Logger) (profiles.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return profiles.NewPostgresStore(pool, nodeID, log), pool.Close, nil
	}
	store, err := profiles.NewFileStore(filepath.Join(cfg.DataDir, "session-states"), nodeID, log)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// loadVaultKeys fills in API keys from Key Vault when a vault URL is
// configured and no keys were given inline.
func loadVaultKeys(ctx context.Context, cfg *config.Config, log *observability.Logger) error {
	if cfg.Auth.KeyVaultURL == "" || !cfg.Auth.APIKeyEnabled || len(cfg.Auth.APIKeys) > 0 {
		return nil
	}
	vault, err := authn.NewVaultSecrets(cfg.Auth.KeyVaultURL)
	if err != nil {
		return err
	}
	keys, err := vault.GetList(ctx, "drover-api-keys")
	if err != nil {
		return err
	}
	cfg.Auth.APIKeys = keys
	log.Info("loaded api keys from key vault", "count", len(keys))
	return nil
}

// startJobs schedules recurring maintenance: idle-session sweeps, peer
// probes, and crawl memory trims.
func startJobs(ctx context.Context, sessions *session.Manager, svc *peersync.Service, client *peersync.Client, memory crawl.Memory, log *observability.Logger) *cron.Cron {
	c := cron.New()

	c.AddFunc("@every 1m", func() {
		if n := sessions.SweepIdle(); n > 0 {
			log.Info("swept idle sessions", "count", n)
		}
	})
	c.AddFunc("@every 5m", func() {
		probeCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		svc.ProbeAll(probeCtx, client)
	})
	c.AddFunc("@hourly", func() {
		trimCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if n, err := memory.Trim(trimCtx); err != nil {
			log.Warn("crawl memory trim failed", "error", err)
		} else if n > 0 {
			log.Info("trimmed crawl memory", "evicted", n)
		}
	})

	c.Start()
	return c
}

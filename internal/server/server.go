// Package server is the broker's HTTP face: a JSON-RPC tool-call endpoint
// with an SSE notification stream, legacy event endpoints, the peer-sync
// surface, health probes, and the OAuth proxy mount.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"drover/internal/authn"
	"drover/internal/browser"
	"drover/internal/config"
	"drover/internal/observability"
	"drover/internal/peersync"
	"drover/internal/session"
	"drover/internal/tools"
)

// Options carries everything the transport needs; the composition root in
// cmd/drover builds the pieces and hands them over.
type Options struct {
	Config     *config.Config
	Log        *observability.Logger
	Metrics    *observability.MetricsCollector
	Auth       *authn.Authenticator
	OAuth      *authn.OAuthProxy
	Driver     browser.Driver
	Sessions   *session.Manager
	Dispatcher *tools.Dispatcher
	Sync       *peersync.Service
	SyncClient *peersync.Client
}

type Server struct {
	cfg        *config.Config
	log        *observability.Logger
	metrics    *observability.MetricsCollector
	auth       *authn.Authenticator
	oauth      *authn.OAuthProxy
	driver     browser.Driver
	sessions   *session.Manager
	dispatcher *tools.Dispatcher
	sync       *peersync.Service
	syncClient *peersync.Client
	hub        *EventHub
	nodeID     string
	startedAt  time.Time

	httpServer *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		log:        opts.Log,
		metrics:    opts.Metrics,
		auth:       opts.Auth,
		oauth:      opts.OAuth,
		driver:     opts.Driver,
		sessions:   opts.Sessions,
		dispatcher: opts.Dispatcher,
		sync:       opts.Sync,
		syncClient: opts.SyncClient,
		hub:        NewEventHub(),
		startedAt:  time.Now(),
	}
	if opts.Sync != nil {
		s.nodeID = opts.Sync.Node()
	}
	return s
}

// Hub exposes the event fan-out so other components (crawl progress, for
// one) can publish to connected clients.
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Start binds the listen address and serves until ctx is cancelled or the
// listener fails. Port contention triggers a takeover unless disabled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := listenWithTakeover(ctx, s.cfg.Addr(), s.cfg.Port, !s.cfg.NoPortTakeover, s.log)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("server listening", "addr", ln.Addr().String(), "node", s.nodeID)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown drains in-flight requests, then closes every session.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.sessions.CloseAll()
	return err
}

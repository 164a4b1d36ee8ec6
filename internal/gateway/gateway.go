// ABOUTME: Gateway orchestrator wiring registry, correlation tracker, and HTTP server.
// ABOUTME: Owns the background sweeps and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/agent"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/datastore"
	"github.com/relaygate/relaygate/internal/directory"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/pending"
)

// Gateway orchestrates the relay: agent admission over WebSocket, the
// process-local registry, the correlation tracker, and the caller-facing
// HTTP API.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	manager *agent.Manager
	tracker *pending.Tracker
	dir     directory.Directory
	store   *datastore.Store
	metrics *metrics.Metrics

	httpServer *http.Server
}

// New assembles a Gateway from configuration. The directory store is Redis
// when enabled, otherwise a no-op single-process directory.
func New(cfg *config.Config, logger *slog.Logger) *Gateway {
	var dir directory.Directory
	if cfg.Redis.Enabled {
		dir = directory.NewRedis(directory.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Instance: cfg.InstanceID(),
			TTL:      cfg.Redis.TTL,
			Logger:   logger,
		})
	} else {
		dir = directory.Noop{Instance: cfg.InstanceID()}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	clk := clock.New()
	g := &Gateway{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		manager: agent.NewManager(dir, m, logger),
		tracker: pending.NewTracker(clk, m, logger),
		dir:     dir,
		store:   datastore.New(cfg.Cache.EntitySize, cfg.Cache.EntityTTL),
		metrics: m,
	}
	g.registerReplyHandlers()
	g.httpServer = &http.Server{
		Addr:        cfg.Server.HTTPAddr,
		Handler:     g.routes(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays zero: /relay holds the response writer for
		// the lifetime of the agent connection.
		IdleTimeout: 60 * time.Second,
	}
	return g
}

// Manager exposes the registry for external collaborators and tests.
func (g *Gateway) Manager() *agent.Manager { return g.manager }

// Tracker exposes the correlation gateway for external collaborators.
func (g *Gateway) Tracker() *pending.Tracker { return g.tracker }

// routes builds the chi router for the caller API and agent admission.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/relay", g.handleRelay)
	r.Get("/health", g.handleHealth)
	r.Get("/api/status", g.handleStatus)
	r.Get("/clients", g.handleClients)

	r.Get("/search", g.handleSearch)
	r.Get("/get/{uuid}", g.handleGetEntity)
	r.Get("/structure", g.handleStructure)
	r.Get("/contents/{path}", g.handleContents)
	r.Post("/entity", g.handleCreateEntity)
	r.Put("/entity/{uuid}", g.handleUpdateEntity)
	r.Delete("/entity/{uuid}", g.handleDeleteEntity)
	r.Get("/rolls", g.handleRolls)
	r.Get("/lastroll", g.handleLastRoll)
	r.Post("/roll", g.handleRoll)

	if g.cfg.Metrics.Enabled {
		r.Get(g.cfg.Metrics.Path, g.metrics.Handler().ServeHTTP)
	}
	return r
}

// Run starts the HTTP server and the background sweeps, then blocks until
// the context is cancelled. On shutdown every local agent connection is
// closed before the server drains.
func (g *Gateway) Run(ctx context.Context) error {
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go g.runSweeps(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.cfg.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	g.logger.Info("shutting down", "agents", g.manager.Len())
	g.manager.CloseAll(websocket.CloseGoingAway, "gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := g.httpServer.Shutdown(shutdownCtx)
	if cerr := g.dir.Close(); cerr != nil {
		g.logger.Warn("closing directory", "error", cerr)
	}
	return err
}

// runSweeps drives the inactivity and orphan sweeps on fixed periods,
// independent of traffic.
func (g *Gateway) runSweeps(ctx context.Context) {
	inactive := g.clock.Ticker(g.cfg.Relay.SweepInterval)
	defer inactive.Stop()
	orphans := g.clock.Ticker(g.cfg.Relay.OrphanInterval)
	defer orphans.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-inactive.C:
			g.manager.SweepInactive()
		case <-orphans.C:
			g.tracker.SweepOrphans(g.cfg.Relay.OrphanAge)
		}
	}
}

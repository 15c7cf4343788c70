// Package runtime provides the Gateway struct and lifecycle management for the
// test case generation gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/casegen-gateway/internal/core/ports"
	"github.com/tjfontaine/casegen-gateway/internal/frontdoor/casegen"
	"github.com/tjfontaine/casegen-gateway/internal/mode"
	"github.com/tjfontaine/casegen-gateway/internal/orchestrator"
	"github.com/tjfontaine/casegen-gateway/internal/pkg/config"
	"github.com/tjfontaine/casegen-gateway/internal/server"
	"github.com/tjfontaine/casegen-gateway/internal/storage"
	"github.com/tjfontaine/casegen-gateway/internal/telemetry"
)

// Gateway is the main entry point for running the service. It owns the session
// store, the upstream client, the HTTP server and the background janitor.
type Gateway struct {
	// Dependencies (injected via options)
	config   ports.ConfigProvider
	store    ports.SessionStore
	listener net.Listener
	logger   *slog.Logger

	// Internal state
	cfg            *config.Config
	parts          *components
	server         *server.Server
	shutdownTracer telemetry.ShutdownFunc
	addr           net.Addr

	// Lifecycle management
	cancel context.CancelFunc
	group  *errgroup.Group
	mu     sync.RWMutex
	closed bool
}

// New creates a new Gateway with the given options.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}

	return gw, nil
}

// Start loads configuration, opens the session store, builds the service and
// begins serving. Serving and the janitor run until Shutdown.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.group != nil {
		return errors.New("gateway already started")
	}

	cfg, err := g.config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.cfg = cfg

	g.shutdownTracer, err = telemetry.InitTracer(cfg.Telemetry, g.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	if g.store == nil {
		// Open falls back to the in-memory store, so the error is informational.
		g.store, _ = storage.Open(cfg.Session, g.logger)
	}

	g.parts, err = buildComponents(cfg, g.store, g.logger)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}

	ln := g.listener
	if ln == nil {
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
		}
	}
	g.addr = ln.Addr()

	g.server = server.New(cfg.Server, g.logger)
	casegen.NewHandler(g.parts.orch, g.parts.bridge, g.parts.tracker,
		casegen.WithLogger(g.logger)).Routes(g.server.Router)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	g.group = group

	group.Go(func() error {
		return g.server.Serve(ln)
	})
	group.Go(func() error {
		g.runJanitor(groupCtx, cfg.Janitor.Interval)
		return nil
	})

	if err := g.config.Watch(groupCtx, g.onConfigChange); err != nil {
		g.logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
	}

	g.logger.Info("gateway started",
		slog.String("addr", g.addr.String()),
		slog.String("mode", string(g.parts.selector.Mode())),
		slog.String("store", g.store.Name()))

	return nil
}

// Wait blocks until the server stops and returns the first serving error.
func (g *Gateway) Wait() error {
	g.mu.RLock()
	group := g.group
	g.mu.RUnlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Addr returns the listening address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.addr
}

// Orchestrator returns the running orchestrator, or nil before Start.
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.parts == nil {
		return nil
	}
	return g.parts.orch
}

// Shutdown stops accepting requests, waits for in-flight ones within ctx, and
// closes everything in reverse order of creation.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	srv, cancel, group, parts, store, shutdownTracer := g.server, g.cancel, g.group, g.parts, g.store, g.shutdownTracer
	// the janitor takes the read lock, so it must be released before waiting
	g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if cancel != nil {
		cancel()
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if parts != nil {
		if err := parts.orch.Close(); err != nil {
			g.logger.Error("failed to close upstream client", slog.String("error", err.Error()))
		}
	}

	if store != nil {
		if err := store.Close(); err != nil {
			g.logger.Error("failed to close session store", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if shutdownTracer != nil {
		if err := shutdownTracer(ctx); err != nil {
			g.logger.Error("failed to flush traces", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Close(); err != nil {
		g.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// onConfigChange applies a reloaded configuration. Only the mode settings take
// effect at runtime; everything else needs a restart.
func (g *Gateway) onConfigChange(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.parts == nil || g.closed {
		return
	}
	if cfg.Server.Port != g.cfg.Server.Port || cfg.Session.Store != g.cfg.Session.Store {
		g.logger.Warn("server and session store changes take effect after a restart")
	}

	g.parts.selector.Reconfigure(mode.SettingsFromConfig(cfg.Agent))
	g.cfg = cfg
	g.logger.Info("reload complete", slog.String("mode", string(g.parts.selector.Mode())))
}

// runJanitor expires idle sessions and finished progress records until ctx is
// done. A zero interval disables it.
func (g *Gateway) runJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

// expiredPurger is implemented by stores that keep expired rows until they are
// read and can drop them in bulk.
type expiredPurger interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

func (g *Gateway) sweep(ctx context.Context) {
	g.mu.RLock()
	maxIdle := g.cfg.Session.MaxIdle
	parts := g.parts
	store := g.store
	g.mu.RUnlock()

	var expired int
	if maxIdle > 0 {
		n, err := parts.sessions.ExpireStale(ctx, maxIdle)
		if err != nil && ctx.Err() == nil {
			g.logger.Warn("session expiry failed", slog.String("error", err.Error()))
		}
		expired = n
	}

	var purged int64
	if p, ok := store.(expiredPurger); ok {
		n, err := p.DeleteExpired(ctx)
		if err != nil && ctx.Err() == nil {
			g.logger.Warn("expired session purge failed",
				slog.String("store", store.Name()),
				slog.String("error", err.Error()))
		}
		purged = n
	}
	swept := parts.tracker.Sweep()

	if expired > 0 || purged > 0 || swept > 0 {
		g.logger.Info("janitor sweep",
			slog.Int("sessions_expired", expired),
			slog.Int64("sessions_purged", purged),
			slog.Int("progress_swept", swept))
	}
}

package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/c360/labctrl/auth"
	"github.com/c360/labctrl/cmdlist"
	"github.com/c360/labctrl/config"
	"github.com/c360/labctrl/dispatcher"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/gateway/websocket"
	"github.com/c360/labctrl/health"
	"github.com/c360/labctrl/metric"
	"github.com/c360/labctrl/pkg/tlsutil"
	"github.com/c360/labctrl/registry"
	"github.com/c360/labctrl/sources"
	"github.com/c360/labctrl/sources/meta"
	"github.com/c360/labctrl/sourcestore"
)

// app is one running server: the dispatcher with its sources, the source
// catalog and the HTTP endpoints.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	monitor    *health.Monitor
	metrics    *metric.MetricsRegistry
	registry   *registry.Registry
	deps       registry.Dependencies
	store      sourcestore.Store
	dispatcher *dispatcher.Dispatcher
	jwt        *auth.JWTAuthorizer
	ws         *websocket.Server

	tls          *tls.Config
	listener     net.Listener
	httpServer   *http.Server
	metricServer *metric.Server
	stopOnce     sync.Once
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		monitor:  health.NewMonitor(),
		metrics:  metric.NewMetricsRegistry(),
		registry: registry.New(),
	}
	defer func() {
		if err != nil {
			_ = a.release()
		}
	}()

	if a.tls, err = tlsutil.LoadServerConfig(cfg.Server.TLS); err != nil {
		return nil, fmt.Errorf("load TLS config: %w", err)
	}
	if err := sources.Register(a.registry); err != nil {
		return nil, fmt.Errorf("register source types: %w", err)
	}
	types := a.registry.Types()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, t.Type)
	}
	logger.Info("Source types registered", "count", len(names), "types", names)

	compiler, err := newCompiler(cfg.Compiler, logger)
	if err != nil {
		return nil, err
	}
	a.deps = registry.Dependencies{
		Logger:          logger,
		MetricsRegistry: a.metrics,
		Health:          a.monitor,
		Compiler:        compiler,
	}

	authorizer, err := a.newAuthorizer()
	if err != nil {
		return nil, err
	}
	a.dispatcher = dispatcher.New(dispatcher.Config{
		FlushInterval: cfg.Dispatcher.FlushInterval.Std(),
		Authorizer:    authorizer,
		Metrics:       a.metrics.CoreMetrics(),
		Logger:        logger,
	})

	for _, sc := range cfg.Sources {
		src, err := a.registry.Create(sc.Type, sc.ID, sc.Params, a.deps)
		if err != nil {
			return nil, fmt.Errorf("create configured source %q: %w", sc.ID, err)
		}
		if err := a.dispatcher.AddSource(src); err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("add configured source %q: %w", sc.ID, err)
		}
		logger.Info("Configured source started", "source", sc.ID, "type", sc.Type)
	}

	a.store, err = sourcestore.Open(ctx, cfg.Store, logger, a.monitor)
	if err != nil {
		return nil, fmt.Errorf("open source store: %w", err)
	}
	entries, err := a.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored sources: %w", err)
	}
	for _, e := range entries {
		if err := a.launch(ctx, e); err != nil {
			logger.Warn("Stored source not started", "source", e.ID, "type", e.Type, "error", err)
		}
	}

	metaSrc, err := meta.New(ctx, meta.Config{
		Store:    a.store,
		Registry: a.registry,
		Launch:   a.launch,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create meta source: %w", err)
	}
	if err := a.dispatcher.AddSource(metaSrc); err != nil {
		_ = metaSrc.Close()
		return nil, fmt.Errorf("add meta source: %w", err)
	}

	a.ws, err = websocket.NewServer(websocket.Config{
		Path:            cfg.Server.WSPath,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		PingInterval:    cfg.Server.PingInterval.Std(),
		MaxMessageSize:  cfg.Server.MaxMessageSize,
		RequestRate:     cfg.Server.RequestRate,
		RequestBurst:    cfg.Server.RequestBurst,
		CookieName:      cfg.Auth.CookieName,
		Dispatcher:      a.dispatcher,
		MetricsRegistry: a.metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create websocket server: %w", err)
	}
	return a, nil
}

func newCompiler(cfg config.CompilerConfig, logger *slog.Logger) (cmdlist.Compiler, error) {
	if cfg.Command == "" {
		logger.Info("No sequence compiler configured; run_cmdlist is unavailable")
		return nil, nil
	}
	var compiler cmdlist.Compiler = cmdlist.NewExecCompiler(cfg.Command, cfg.Args, cfg.Timeout.Std(), logger)
	if cfg.CacheSize > 0 {
		cached, err := cmdlist.NewCachedCompiler(compiler, cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create compiler cache: %w", err)
		}
		compiler = cached
	}
	return compiler, nil
}

func (a *app) newAuthorizer() (auth.Authorizer, error) {
	if a.cfg.Auth.Mode != config.AuthJWT {
		a.logger.Warn("Authorization disabled; every client has full access")
		return auth.AllowAll{}, nil
	}
	jwt, err := auth.NewJWTAuthorizer(a.cfg.Auth.Secret, a.cfg.Auth.CacheTTL.Std(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("create authorizer: %w", err)
	}
	a.jwt = jwt
	return jwt, nil
}

// launch builds a catalog entry through the registry and serves it.
func (a *app) launch(_ context.Context, e sourcestore.Entry) error {
	src, err := a.registry.Create(e.Type, e.ID, e.Params, a.deps)
	if err != nil {
		return err
	}
	if err := a.dispatcher.AddSource(src); err != nil {
		_ = src.Close()
		return err
	}
	a.logger.Info("Source started", "source", e.ID, "type", e.Type, "name", e.Name)
	return nil
}

// start binds the listeners and serves in the background.
func (a *app) start() error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return errors.WrapFatal(err, "app", "start", fmt.Sprintf("listen on %s", a.cfg.Server.Addr))
	}
	if a.tls != nil {
		ln = tls.NewListener(ln, a.tls)
	}
	a.listener = ln

	mux := http.NewServeMux()
	a.ws.RegisterHTTPHandlers("", mux)
	a.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server stopped", "error", err)
			a.monitor.UpdateUnhealthy("server", err.Error())
		}
	}()

	if a.cfg.Metrics.Enabled {
		a.metricServer = metric.NewServer(a.cfg.Metrics.Addr, a.cfg.Metrics.Path, a.metrics, a.monitor)
		if err := a.metricServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.logger.Info("Metrics server started", "addr", a.metricServer.Address(), "path", a.cfg.Metrics.Path)
	}

	a.monitor.UpdateHealthy("server", "serving")
	a.logger.Info("Server listening", "addr", ln.Addr().String(), "ws_path", a.ws.Path(), "tls", a.tls != nil)
	return nil
}

// addr returns the bound address of the websocket listener
func (a *app) addr() string {
	if a.listener == nil {
		return a.cfg.Server.Addr
	}
	return a.listener.Addr().String()
}

// shutdown stops accepting clients, disconnects the connected ones and
// closes every source and the catalog.
func (a *app) shutdown(timeout time.Duration) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.monitor.UpdateDegraded("server", "shutting down")
		if a.ws != nil {
			if err := a.ws.Close(timeout); err != nil {
				errs = append(errs, err)
			}
		}
		if a.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := a.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			cancel()
		}
		if a.metricServer != nil {
			if err := a.metricServer.Stop(timeout); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.release(); err != nil {
			errs = append(errs, err)
		}
	})
	return stderrors.Join(errs...)
}

// release closes the dispatcher, the catalog and the authorizer.
func (a *app) release() error {
	var errs []error
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.jwt != nil {
		a.jwt.Stop()
	}
	return stderrors.Join(errs...)
}

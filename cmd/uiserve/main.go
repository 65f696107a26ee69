// Command uiserve serves a UI application with a session gate, static
// resources and an optional development server proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	uiserve "github.com/ggoodman/uiserve-go"
	"github.com/ggoodman/uiserve-go/broker"
	brokermem "github.com/ggoodman/uiserve-go/broker/memory"
	brokerredis "github.com/ggoodman/uiserve-go/broker/redis"
	"github.com/ggoodman/uiserve-go/config"
	"github.com/ggoodman/uiserve-go/internal/logctx"
	"github.com/ggoodman/uiserve-go/internal/sessiontoken"
	"github.com/ggoodman/uiserve-go/internal/telemetry"
	"github.com/ggoodman/uiserve-go/internal/workpool"
	"github.com/ggoodman/uiserve-go/proxy"
	"github.com/ggoodman/uiserve-go/resources"
	"github.com/ggoodman/uiserve-go/sessions"
	"github.com/ggoodman/uiserve-go/sessions/memorystore"
	"github.com/ggoodman/uiserve-go/sessions/redisstore"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML, TOML or JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "uiserve:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mp := sdkmetric.NewMeterProvider()
	defer func() { _ = mp.Shutdown(context.Background()) }()
	otel.SetMeterProvider(mp)
	metrics, err := telemetry.New(otel.Meter("github.com/ggoodman/uiserve-go"))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	store, bus, closeSessions, err := openSessions(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSessions()

	managerOpts := []sessions.Option{
		sessions.WithCookie(cfg.Session.CookieName, cfg.MountPoint),
		sessions.WithSecureCookie(cfg.Session.SecureCookie),
		sessions.WithIdleTimeout(cfg.Session.Timeout),
		sessions.WithBroker(bus, cfg.Session.ExpirationTopic),
		sessions.WithLogger(log),
		sessions.WithMetrics(metrics),
	}
	if cfg.Session.Secret != "" {
		signer, err := sessiontoken.NewHMAC([]byte(cfg.Session.Secret))
		if err != nil {
			return fmt.Errorf("session signer: %w", err)
		}
		managerOpts = append(managerOpts, sessions.WithCodec(signer))
	}
	manager := sessions.NewManager(store, managerOpts...)

	pool := workpool.New(workpool.WithWorkers(cfg.Workers.Size), workpool.WithMaxQueue(cfg.Workers.Queue))
	defer pool.Close()

	resolver, err := openResolver(cfg, pool, log, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = resolver.Close() }()

	opts := []uiserve.Option{
		uiserve.WithMountPoint(cfg.MountPoint),
		uiserve.WithResolver(resolver),
		uiserve.WithSessions(manager),
		uiserve.WithUI(http.NotFoundHandler()),
		uiserve.WithLogger(log),
		uiserve.WithMetrics(metrics),
	}
	if cfg.DevServer.Port != 0 {
		dev := proxy.New(proxy.Target{
			Host:           cfg.DevServer.Host,
			Port:           cfg.DevServer.Port,
			ConnectTimeout: cfg.DevServer.ConnectTimeout,
			IdleTimeout:    cfg.DevServer.IdleTimeout,
		}, proxy.WithPathRewrite(uiserve.DevServerPath), proxy.WithLogger(log), proxy.WithMetrics(metrics))
		defer dev.Close()
		opts = append(opts, uiserve.WithDevProxy(dev), uiserve.WithDevProxyExtensions(cfg.DevServer.Extensions...))
		log.Info("development server proxy enabled", slog.String("host", cfg.DevServer.Host), slog.Int("port", cfg.DevServer.Port))
	}

	srv, err := uiserve.New(opts...)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() { errc <- manager.Run(ctx) }()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("mount", cfg.MountPoint))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("stopping after failure", slog.String("err", err.Error()))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}

// openSessions picks the in-process store and broker, or their Redis
// counterparts when the deployment is clustered.
func openSessions(ctx context.Context, cfg config.Config, log *slog.Logger) (sessions.Store, broker.Broker, func(), error) {
	if !cfg.Session.Clustered {
		store := memorystore.New(memorystore.WithSweepInterval(cfg.Session.SweepInterval))
		bus := brokermem.New()
		return store, bus, func() {
			_ = store.Close()
			_ = bus.Close()
		}, nil
	}

	store, err := redisstore.New(ctx, redisstore.Config{
		RedisAddr: cfg.Redis.Addr,
		KeyPrefix: cfg.Redis.KeyPrefix + "sessions:",
	}, redisstore.WithSweepInterval(cfg.Session.SweepInterval), redisstore.WithLogger(log))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("session store: %w", err)
	}
	bus := brokerredis.New(brokerredis.Config{
		Addr:      cfg.Redis.Addr,
		KeyPrefix: cfg.Redis.KeyPrefix + "broker:",
	})
	return store, bus, func() {
		_ = store.Close()
		_ = bus.Close()
	}, nil
}

func openResolver(cfg config.Config, pool *workpool.Pool, log *slog.Logger, metrics *telemetry.Instruments) (*resources.Resolver, error) {
	roots := make([]fs.FS, 0, len(cfg.Resources.Roots))
	for _, dir := range cfg.Resources.Roots {
		roots = append(roots, resources.Dir(dir))
	}
	opts := []resources.Option{
		resources.WithPool(pool),
		resources.WithCache(cfg.Resources.CacheSize),
		resources.WithLogger(log),
		resources.WithMetrics(metrics),
	}
	for _, lib := range cfg.Resources.ParsedLibraries() {
		opts = append(opts, resources.WithLibrary(lib.Name, lib.Version))
	}
	r, err := resources.New(roots, opts...)
	if err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	return r, nil
}

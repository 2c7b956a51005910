package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/orgfeed/pkg/api"
	"github.com/platinummonkey/orgfeed/pkg/async"
	"github.com/platinummonkey/orgfeed/pkg/audit"
	"github.com/platinummonkey/orgfeed/pkg/authz"
	"github.com/platinummonkey/orgfeed/pkg/changebus"
	"github.com/platinummonkey/orgfeed/pkg/config"
	"github.com/platinummonkey/orgfeed/pkg/content"
	"github.com/platinummonkey/orgfeed/pkg/events"
	"github.com/platinummonkey/orgfeed/pkg/materializer"
	"github.com/platinummonkey/orgfeed/pkg/middleware"
	"github.com/platinummonkey/orgfeed/pkg/notify"
	"github.com/platinummonkey/orgfeed/pkg/observability"
	"github.com/platinummonkey/orgfeed/pkg/storage"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "YAML configuration file (overrides ORGFEED_CONFIG_FILE)")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	if *configFile != "" {
		os.Setenv("ORGFEED_CONFIG_FILE", *configFile)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orgfeed: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)
	async.SetLogger(log.WithField("component", "async"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *migrateOnly); err != nil {
		log.WithError(err).Fatal("orgfeed exited")
	}
	log.Info("orgfeed stopped")
}

func migrations() []storage.Migration {
	return storage.Concat(authz.Migrations(), content.Migrations(), notify.Migrations())
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, migrateOnly bool) error {
	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db, migrations(), log); err != nil {
		return err
	}
	if migrateOnly {
		log.Info("Migrations applied")
		return nil
	}

	rdb, err := storage.OpenRedis(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	if version != "dev" {
		cfg.Observability.OTel.ServiceVersion = version
	}
	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = observability.ShutdownOTel(shutdownCtx, otelProviders, log)
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	observability.RegisterDBStats(registry, db, "orgfeed")

	g, gctx := errgroup.WithContext(ctx)

	// Change bus, with the Redis relay when several replicas share it
	bus := changebus.NewBus(changebus.Config{
		QueueSize:      cfg.Bus.QueueSize,
		CoalesceWindow: cfg.Bus.CoalesceWindow,
	}, log.WithField("component", "changebus"), metrics)
	defer bus.Close()

	var transport changebus.Transport = bus
	if rdb != nil {
		relay := changebus.NewRedisTransport(rdb, bus, cfg.Bus.ChannelPrefix, log.WithField("component", "relay"))
		transport = relay
		ready := make(chan struct{})
		g.Go(func() error { return relay.Run(gctx, ready) })
		select {
		case <-ready:
		case <-gctx.Done():
			return g.Wait()
		}
	}

	// Domain events fan out to the bus, notifications and the audit trail
	dispatcher := events.NewDispatcher(gctx, events.DispatcherConfig{
		Shards:         cfg.Events.Shards,
		QueueSize:      cfg.Events.QueueSize,
		HandlerTimeout: cfg.Events.HandlerTimeout,
	}, log.WithField("component", "events"))
	dispatcher.OnFailure(metrics.SinkFailed)

	auditLogger := audit.NewMultiLogger(audit.NewLogrusLogger(log.WithField("component", "audit")), metrics.AuditLogger())

	store := authz.NewStore(db, authz.WithRoleCache(cfg.Authz.RoleCacheSize, cfg.Authz.RoleCacheTTL))
	notifications := notify.NewStore(db)

	dispatcher.Register("changebus", changebus.NewPublisher(transport, cfg.Bus.Retry, log.WithField("component", "publisher"), metrics))
	dispatcher.Register("notify", notify.NewRouter(store, notifications, log.WithField("component", "notify"), metrics))
	dispatcher.Register("audit", audit.EventSink(auditLogger))
	defer func() {
		if err := dispatcher.Close(cfg.Server.ShutdownTimeout); err != nil {
			log.WithError(err).Warn("Event dispatcher did not drain")
		}
	}()

	admin := authz.NewAdmin(store, dispatcher, auditLogger, log.WithField("component", "authz"))
	svc := content.NewService(db, store, dispatcher, log.WithField("component", "content"))

	sessions := materializer.New(svc, bus, materializer.Config{
		PageSize:       cfg.Sessions.PageSize,
		ResyncInterval: cfg.Sessions.ResyncInterval,
		QueryTimeout:   cfg.Sessions.QueryTimeout,
		Subscription: changebus.SubscribeOptions{
			QueueSize: cfg.Bus.QueueSize,
			Overflow:  cfg.Bus.OverflowPolicy(),
		},
	}, log.WithField("component", "materializer"), metrics)

	sweeper := authz.NewExpirySweeper(store, dispatcher, cfg.Authz.ExpiryLookback, log.WithField("component", "expiry"))
	if err := sweeper.Start(gctx, cfg.Authz.ExpirySchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	opts := []api.Option{api.WithAudit(auditLogger)}
	if cfg.Observability.MetricsEnabled {
		opts = append(opts, api.WithMetrics(metrics))
	}
	if cfg.RateLimit.Enabled && rdb != nil {
		opts = append(opts, api.WithRateLimit(middleware.NewDistributedRateLimitMiddleware(rdb, &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.Requests,
			WindowDuration:    cfg.RateLimit.Window,
		}, log.WithField("component", "ratelimit"))))
	}

	server := api.NewServer(api.Services{
		Content:       svc,
		Admin:         admin,
		Signals:       bus,
		Sessions:      sessions,
		Notifications: notifications,
	}, api.Config{Heartbeat: cfg.Sessions.Heartbeat}, log.WithField("component", "api"), opts...)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return gctx },
	}

	// Probes and metrics stay reachable without identity headers
	opsRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(opsRouter, observability.NewHealthChecker(db, rdb, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(opsRouter, registry)
	}
	opsServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           opsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serve := func(name string, srv *http.Server) func() error {
		return func() error {
			log.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		}
	}
	g.Go(serve("api", apiServer))
	g.Go(serve("ops", opsServer))

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(apiServer.Shutdown(shutdownCtx), opsServer.Shutdown(shutdownCtx))
	})

	log.WithField("version", version).Info("orgfeed started")
	return g.Wait()
}

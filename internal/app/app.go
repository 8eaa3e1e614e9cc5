package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	grpcapi "relay-transcript-monitor/internal/api/grpc"
	"relay-transcript-monitor/internal/config"
	"relay-transcript-monitor/internal/events"
	"relay-transcript-monitor/internal/feed"
	apihttp "relay-transcript-monitor/internal/http"
	"relay-transcript-monitor/internal/models"
	"relay-transcript-monitor/internal/observability"
	"relay-transcript-monitor/internal/observability/logging"
	"relay-transcript-monitor/internal/observability/metrics"
	"relay-transcript-monitor/internal/relay"
	"relay-transcript-monitor/internal/service/dedup"
	"relay-transcript-monitor/internal/service/poller"
	"relay-transcript-monitor/internal/store"
)

const serviceName = "relay-transcript-monitor"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration

	store      store.Store
	engine     *poller.Engine
	publisher  *events.Publisher
	hub        *feed.Hub
	grpc       *grpcapi.Server
	obs        *observability.Server
	httpServer *http.Server
	httpAddr   net.Addr
	grpcAddr   net.Addr

	cancel       context.CancelFunc
	unsubscribes []func()
	bg           sync.WaitGroup
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Relay transcript monitor application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logCfg := logging.DefaultConfig()
	logCfg.Level = a.Cfg.Observability.LogLevel
	logCfg.Format = a.Cfg.Observability.LogFormat
	logCfg.Service = serviceName
	level := logging.Init(logCfg)

	a.Logger = logging.WithComponent("application")

	a.Logger.Info().
		Str("logLevel", level.String()).
		Str("logFormat", logCfg.Format).
		Str("environment", os.Getenv("ENV")).
		Msg("Logger setup completed")
}

// Start wires every component, starts the listeners and begins monitoring.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Relay transcript monitor starting")

	if err := a.Cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	st, err := store.Open(ctx, store.Config{
		Driver:          a.Cfg.Store.Driver,
		Path:            a.Cfg.Store.Path,
		PostgresURL:     a.Cfg.Store.PostgresURL,
		MongoURI:        a.Cfg.Store.MongoURI,
		MongoDatabase:   a.Cfg.Store.MongoDatabase,
		MongoCollection: a.Cfg.Store.MongoCollection,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("open state store: %w", err)
	}
	a.store = st

	m := metrics.DefaultMetrics
	a.engine = poller.New(poller.Options{
		Fetcher: relay.NewClient(relay.Options{
			UserAgent:    a.Cfg.Relay.UserAgent,
			Timeout:      a.Cfg.Relay.Timeout,
			PreferLatest: a.Cfg.Relay.PreferLatest,
			Metrics:      m,
		}),
		Persister: dedup.NewPersister(st),
		Relay: poller.RelayConfig{
			TranscriptURL: a.Cfg.Relay.TranscriptURL,
			HeartbeatURL:  a.Cfg.Relay.HeartbeatURL,
			APIKey:        a.Cfg.Relay.APIKey,
		},
		Interval:       a.Cfg.Poll.Interval,
		ActivityWindow: a.Cfg.Poll.ActivityWindow,
		Metrics:        m,
	})

	a.publisher = events.New(&events.Config{
		Enabled:       a.Cfg.Kafka.Enabled,
		Brokers:       a.Cfg.Kafka.Brokers,
		TopicSegments: a.Cfg.Kafka.TopicSegments,
		TopicActivity: a.Cfg.Kafka.TopicActivity,
		Principal:     a.Cfg.Kafka.Principal,
	})
	a.publisher.Start(runCtx)

	a.hub = feed.NewHub()
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		a.hub.Run(runCtx)
	}()

	a.grpc = grpcapi.New(m)

	a.unsubscribes = append(a.unsubscribes,
		a.engine.Subscribe(a.publisher.Observe),
		a.engine.Subscribe(func(sig models.Signal) { a.hub.Broadcast(sig) }),
		a.engine.Subscribe(a.grpc.Observe),
	)

	if err := a.listen(); err != nil {
		a.Shutdown(ctx)
		return err
	}

	a.obs = observability.NewServer(a.Cfg.Observability.MetricsAddr, a.engine.IsRunning)
	a.obs.Start()

	// Monitoring starts with the service
	a.engine.Start()

	startLogger.Info().
		Str("httpAddr", a.httpAddr.String()).
		Str("grpcAddr", a.grpcAddr.String()).
		Str("metricsAddr", a.Cfg.Observability.MetricsAddr).
		Str("storeDriver", a.Cfg.Store.Driver).
		Msg("Relay transcript monitor started")
	return nil
}

func (a *Application) listen() error {
	grpcLis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	a.grpcAddr = grpcLis.Addr()
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		if err := a.grpc.Serve(grpcLis); err != nil {
			a.Logger.Error().Err(err).Msg("grpc serve failed")
		}
	}()

	httpLis, err := net.Listen("tcp", ":"+a.Cfg.Service.HTTPPort)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	a.httpAddr = httpLis.Addr()
	a.httpServer = &http.Server{
		Handler: apihttp.NewRouter(apihttp.Options{
			Monitor:     a.engine,
			Feed:        a.hub,
			CORSOrigins: a.Cfg.Service.CORSOrigins,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		if err := a.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("http serve failed")
		}
	}()
	return nil
}

// Engine returns the polling engine. It is nil before Start.
func (a *Application) Engine() *poller.Engine {
	return a.engine
}

// HTTPAddr returns the bound HTTP API address. It is nil before Start.
func (a *Application) HTTPAddr() net.Addr {
	return a.httpAddr
}

// GRPCAddr returns the bound gRPC address. It is nil before Start.
func (a *Application) GRPCAddr() net.Addr {
	return a.grpcAddr
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Relay transcript monitor shutting down")

	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("engine did not stop in time")
		}
	}
	for _, unsubscribe := range a.unsubscribes {
		unsubscribe()
	}
	a.unsubscribes = nil

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("http server shutdown failed")
		}
	}
	if a.grpc != nil {
		a.grpc.Shutdown()
	}
	if a.obs != nil {
		if err := a.obs.Shutdown(ctx); err != nil {
			shutdownLogger.Warn().Err(err).Msg("observability server shutdown failed")
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.bg.Wait()

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("kafka publisher close failed")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			shutdownLogger.Warn().Err(err).Msg("state store close failed")
		}
	}

	shutdownLogger.Info().Msg("Relay transcript monitor stopped")
}

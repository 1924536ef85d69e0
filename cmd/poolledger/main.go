package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"PoolLedger/internal/config"
	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/notify"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/query"
	"PoolLedger/internal/scheduler"
	"PoolLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := observability.NewLogger("main")
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	root := observability.NewRootLogger(cfg.Log)
	logger := observability.Component(root, "main")
	logger.Info().Str("store", cfg.Store).Msg("PoolLedger starting")

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Store ---
	store, db := openStore(ctx, cfg, root, logger)
	if db != nil {
		defer db.Close()
	}
	healthChecker.AddCheck("store", store.Ping)

	// --- Optional NATS and Redis ---
	var opts []core.Option
	opts = append(opts, core.WithMetrics(metrics))

	var (
		nc       *nats.Conn
		msgChan  chan ingestion.RawMessage
		natsSubs *ingestion.NATSSubscriber
	)
	if cfg.NATSURL != "" {
		natsLog := observability.Component(root, "ingestion")
		var js jetstream.JetStream
		nc, js, err = connectNATS(ctx, cfg.NATSURL, natsLog)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats")
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats not connected")
			}
			return nil
		})

		opts = append(opts, core.WithEventSink(ingestion.NewOutboundPublisher(js)))

		msgChan = make(chan ingestion.RawMessage, 1024)
		natsSubs = ingestion.NewNATSSubscriber(js, msgChan, natsLog)
		if err := natsSubs.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			logger.Fatal().Err(err).Msg("nats subscribe")
		}
	}

	if cfg.Redis.Addr != "" {
		rdb, err := notify.Dial(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer rdb.Close()
		notifier := notify.NewRedisNotifier(rdb, cfg.Redis, observability.Component(root, "notify"))
		healthChecker.AddCheck("redis", notifier.Health)
		opts = append(opts, core.WithNotifier(notifier))
	}

	// --- Ledger service ---
	svc := core.NewService(store, cfg.Ledger, observability.Component(root, "core"), opts...)
	defer svc.Close()

	if err := svc.WarmDedup(ctx); err != nil {
		logger.Warn().Err(err).Msg("outcome dedup warm-up failed, continuing cold")
	}
	if err := svc.CheckInvariants(ctx); err != nil {
		logger.Error().Err(err).Msg("balance invariants violated at startup")
	}

	sched, err := scheduler.New(svc, cfg.Scheduler, metrics, observability.Component(root, "scheduler"))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}

	api := server.NewAPI(svc, query.NewQueryService(store), healthChecker, cfg.HTTP, metrics, observability.Component(root, "api"))
	srv, err := server.New(cfg.Addrs, api, healthChecker, observability.Component(root, "server"))
	if err != nil {
		logger.Fatal().Err(err).Msg("server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	if msgChan != nil {
		dispatcher := ingestion.NewDispatcher(svc, metrics, observability.Component(root, "dispatcher"))
		go func() {
			if err := dispatcher.Run(ctx, msgChan); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- err
			}
		}()
	}
	go func() { errChan <- srv.StartGRPC(ctx) }()
	go func() { errChan <- srv.StartHTTP(ctx) }()
	go func() {
		if err := srv.StartMetrics(ctx); err != nil {
			errChan <- err
		}
	}()
	go srv.WatchReadiness(ctx, 5*time.Second)
	sched.Start()

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.Addrs.GRPC).
		Str("http", cfg.Addrs.HTTP).
		Str("metrics", cfg.Addrs.Metrics).
		Bool("nats", cfg.NATSURL != "").
		Bool("redis", cfg.Redis.Addr != "").
		Msg("PoolLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
		}
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	if natsSubs != nil {
		natsSubs.Stop()
	}
	sched.Stop()
	cancel()

	// Let in-flight requests and refreshes drain.
	time.Sleep(500 * time.Millisecond)
	logger.Info().Msg("PoolLedger shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, root zerolog.Logger, logger zerolog.Logger) (persistence.Store, *sql.DB) {
	if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("using in-memory store, state is lost on exit")
		return persistence.NewMemoryStore(), nil
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.Component(root, "migrate"))
	n, err := migrator.Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Int("applied", n).Msg("migrations up to date")

	return persistence.NewPostgresStore(db), db
}

// connectNATS connects and declares the inbound and outbound streams.
func connectNATS(ctx context.Context, url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, js, err := ingestion.ConnectNATS(url, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		nc.Close()
		return nil, nil, err
	}
	logger.Info().Str("url", url).Msg("NATS connected")
	return nc, js, nil
}

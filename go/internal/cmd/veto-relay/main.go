// Command veto-relay publishes committed outbox rows from Postgres to the
// JetStream event stream. It wakes on LISTEN/NOTIFY and polls as a fallback.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/mcdev12/veto/go/internal/config"
	"github.com/mcdev12/veto/go/internal/dbconfig"
	"github.com/mcdev12/veto/go/internal/veto/bus"
	"github.com/mcdev12/veto/go/internal/veto/outbox"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type relayConfig struct {
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string        `env:"LOG_FORMAT" envDefault:"json"`
	DatabaseURL string        `env:"VETO_DATABASE_URL"`
	NATSURL     string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSStream  string        `env:"VETO_NATS_STREAM" envDefault:"VETO_EVENTS"`
	NATSSubject string        `env:"VETO_NATS_SUBJECT_PREFIX" envDefault:"veto.events"`
	Fallback    time.Duration `env:"VETO_OUTBOX_FALLBACK_INTERVAL" envDefault:"30s"`
	HealthAddr  string        `env:"VETO_OUTBOX_HEALTH_ADDR" envDefault:":8081"`
	// StaleAfter marks the relay unhealthy when rows are pending and
	// nothing was published for this long.
	StaleAfter  time.Duration `env:"VETO_OUTBOX_STALE_AFTER" envDefault:"5m"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	var cfg relayConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("parse environment")
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("relay exited unexpectedly")
		os.Exit(1)
	}
	log.Info().Msg("graceful shutdown complete")
}

func run(ctx context.Context, cfg relayConfig) error {
	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = dbconfig.NewConfigFromEnv().DSN()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	busCfg := bus.DefaultJetStreamConfig()
	busCfg.URL = cfg.NATSURL
	busCfg.StreamName = cfg.NATSStream
	busCfg.SubjectPrefix = cfg.NATSSubject
	nc, js, err := bus.Connect(ctx, busCfg)
	if err != nil {
		return err
	}
	defer nc.Close()

	listenerCfg := outbox.DefaultListenerConfig()
	listenerCfg.DatabaseURL = dsn
	listenerCfg.FallbackInterval = cfg.Fallback

	repo := outbox.NewRepository(db)
	relay := outbox.NewRelay(repo, bus.NewPublisher(js, busCfg), outbox.LogMetricsCollector{}, listenerCfg)
	if err := relay.Listen(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/health", outbox.NewHealthChecker(relay, repo, nc.IsConnected, cfg.StaleAfter))
	healthSrv := &http.Server{
		Addr:              cfg.HealthAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("channel", listenerCfg.NotifyChannel).Msg("starting outbox relay")
		return relay.Start(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", healthSrv.Addr).Msg("health endpoint listening")
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return healthSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

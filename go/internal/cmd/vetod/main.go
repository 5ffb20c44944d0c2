// Command vetod runs the veto engine: the session coordinator with its turn
// timers, the websocket gateway and the VetoService RPC surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcdev12/veto/go/internal/archive"
	"github.com/mcdev12/veto/go/internal/config"
	"github.com/mcdev12/veto/go/internal/identity"
	"github.com/mcdev12/veto/go/internal/matchctx"
	"github.com/mcdev12/veto/go/internal/telemetry"
	"github.com/mcdev12/veto/go/internal/veto/bus"
	"github.com/mcdev12/veto/go/internal/veto/coordinator"
	"github.com/mcdev12/veto/go/internal/veto/gateway"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("vetod exited")
		os.Exit(1)
	}
	log.Info().Msg("vetod stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, "vetod", version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Error().Err(err).Msg("flush traces")
		}
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	rulesets := matchctx.DefaultRulesets()
	if cfg.RulesetsPath != "" {
		if rulesets, err = matchctx.LoadRulesets(cfg.RulesetsPath); err != nil {
			return err
		}
	}
	var matches matchctx.Lookup
	if cfg.MatchServiceURL != "" {
		client := matchctx.NewClient(cfg.MatchServiceURL)
		if cfg.MatchServiceToken != "" {
			client.SetHeader("Authorization", "Bearer "+cfg.MatchServiceToken)
		}
		matches = client
	}

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	defer cm.CloseAll()

	var broadcaster coordinator.Broadcaster = cm
	var consumer *bus.Consumer
	if cfg.NATSURL != "" {
		if cfg.StoreDriver != config.StorePostgres {
			log.Warn().
				Str("store", cfg.StoreDriver).
				Msg("NATS fan-out without a shared postgres store; instances will not share sessions")
		}
		busCfg := bus.DefaultJetStreamConfig()
		busCfg.URL = cfg.NATSURL
		busCfg.StreamName = cfg.NATSStream
		busCfg.SubjectPrefix = cfg.NATSSubject

		nc, js, err := bus.Connect(ctx, busCfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				log.Error().Err(err).Msg("drain nats connection")
			}
		}()

		// other instances see our events through the stream; local
		// connections drop the copy they already got directly. Session
		// state itself is always read from the shared store.
		broadcaster = coordinator.MultiBroadcaster{cm, bus.NewPublisher(js, busCfg)}
		consumer = bus.NewConsumer(js, cm, busCfg)
	}

	opts := []coordinator.Option{
		coordinator.WithBroadcaster(broadcaster),
		coordinator.WithMatchContext(matches, rulesets),
		coordinator.WithWorkers(cfg.Workers),
		coordinator.WithRetryDelay(cfg.RetryDelay),
		coordinator.WithDefaultTurnDuration(cfg.TurnDuration),
		coordinator.WithAutoStart(cfg.AutoStart),
	}
	if cfg.ArchiveBucket != "" {
		s3Client, err := archive.NewS3Client(ctx, archive.Config{
			Bucket:          cfg.ArchiveBucket,
			Prefix:          cfg.ArchivePrefix,
			Region:          cfg.ArchiveRegion,
			Endpoint:        cfg.ArchiveEndpoint,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		})
		if err != nil {
			return err
		}
		opts = append(opts, coordinator.WithCompletionListener(archive.New(s3Client, st, cfg.ArchiveBucket, cfg.ArchivePrefix)))
	}
	coord := coordinator.New(st, opts...)
	defer coord.Close()

	if cfg.RecoverOnBoot {
		report, err := coord.Recover(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Int("recovered", report.Recovered).
			Int("quarantined", report.Quarantined).
			Msg("recovered in-progress sessions")
	}

	var resolverOpts []identity.Option
	if cfg.JWTIssuer != "" {
		resolverOpts = append(resolverOpts, identity.WithIssuer(cfg.JWTIssuer))
	}
	resolver := identity.NewResolver(cfg.JWTSecret, resolverOpts...)

	server := newServer(cfg, coord, cm, resolver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}
	g.Go(func() error {
		log.Info().
			Str("addr", server.Addr).
			Str("store", cfg.StoreDriver).
			Str("version", version).
			Msg("vetod listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down http server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

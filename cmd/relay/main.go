package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/namikmesic/claude-relay/internal/config"
	"github.com/namikmesic/claude-relay/internal/emitter"
	"github.com/namikmesic/claude-relay/internal/generator"
	"github.com/namikmesic/claude-relay/internal/jetstream"
	"github.com/namikmesic/claude-relay/internal/processor"
	"github.com/namikmesic/claude-relay/internal/registry"
	"github.com/namikmesic/claude-relay/internal/server"
	"github.com/namikmesic/claude-relay/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if err := storage.RunMigrations(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	natsServer, err := jetstream.NewServer(cfg.NATSStoreDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start embedded NATS")
	}
	defer natsServer.Shutdown()

	nc, err := natsServer.Connect()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to embedded NATS")
	}

	js, err := nc.JetStream()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get JetStream context")
	}
	if err := jetstream.EnsureStream(js); err != nil {
		log.Fatal().Err(err).Msg("failed to create JetStream stream")
	}

	writer := storage.NewBatchWriter(pool, storage.WriterOptions{
		QueueSize: cfg.WriterQueueSize,
		BatchSize: cfg.WriterBatchSize,
		MaxDelay:  cfg.WriterMaxDelay,
	})
	proc := processor.New(writer)

	reg := registry.New(registry.Options{
		Retention:    cfg.Retention,
		TombstoneTTL: cfg.TombstoneTTL,
		MaxRecords:   cfg.MaxRecords,
		MaxStreams:   cfg.MaxStreams,
	})

	// streams run on their own context so that in-flight streams can be
	// ended with a server_shutdown event before the listener goes away
	streamCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()

	handler := server.NewHandler(streamCtx, server.Options{
		Registry:  reg,
		Generator: newGenerator(cfg),
		Emitter: emitter.Options{
			HeartbeatInterval: cfg.HeartbeatInterval,
			RetryHint:         cfg.RetryHint,
			OrphanTimeout:     cfg.OrphanTimeout,
			Publisher:         jetstream.NewPublisher(js),
		},
		WriteTimeout: cfg.WriteTimeout,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Int("port", cfg.Port).
			Str("generator", cfg.Generator).
			Dur("retention", cfg.Retention).
			Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reg.Run(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		return proc.StartConsumer(gctx, js)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Int("live_streams", handler.Live()).Msg("shutting down...")

		endStreams()
		handler.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped with error")
	}

	// queued jobs ack their messages, so the writer drains before NATS
	writer.Shutdown()
	nc.Drain()
	stats := writer.Stats()
	log.Info().
		Int64("written", stats.Written).
		Int64("failed", stats.Failed).
		Int64("rejected", stats.Rejected).
		Msg("shutdown complete")
}

func newGenerator(cfg *config.Config) generator.Generator {
	switch cfg.Generator {
	case "echo":
		return generator.Echo{Delay: 50 * time.Millisecond, CostPerToken: cfg.CostPerToken}
	default:
		if cfg.AnthropicAPIKey == "" {
			log.Warn().Msg("ANTHROPIC_API_KEY is empty, upstream requests will be rejected")
		}
		return generator.NewAnthropic(generator.AnthropicConfig{
			BaseURL:      cfg.AnthropicBaseURL,
			APIKey:       cfg.AnthropicAPIKey,
			DefaultModel: cfg.DefaultModel,
			MaxTokens:    cfg.MaxTokens,
			CostPerToken: cfg.CostPerToken,
		})
	}
}

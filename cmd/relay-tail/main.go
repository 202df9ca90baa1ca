// Command relay-tail streams one relay response to stdout, resuming across
// dropped connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/claude-relay/internal/client"
	"github.com/namikmesic/claude-relay/internal/config"
	"github.com/namikmesic/claude-relay/internal/stream"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if len(os.Args) > 1 {
		cfg.Message = os.Args[1]
	}
	if cfg.Message == "" && cfg.StreamID == "" {
		fmt.Fprintln(os.Stderr, "usage: relay-tail <message>  (or set RELAY_STREAM_ID to resume)")
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{
		URL:      cfg.URL,
		UserID:   cfg.UserID,
		StreamID: cfg.StreamID,
		Message:  cfg.Message,
		Model:    cfg.Model,
		Backoff: client.Backoff{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
		},
		StallTimeout: cfg.StallTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		MaxPending:   cfg.MaxPending,
		OnState: func(s client.State) {
			if s == client.StateReconnecting {
				fmt.Fprint(os.Stderr, "\n[reconnecting]\n")
			}
		},
	})
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	res, err := c.Run(ctx, func(ev stream.Event) {
		if ev.Type != stream.TypeChunk {
			return
		}
		if p, err := ev.Chunk(); err == nil {
			fmt.Print(p.Content)
		}
	})
	fmt.Println()

	switch {
	case errors.Is(err, client.ErrClosed):
		fmt.Fprintf(os.Stderr, "stopped; resume with RELAY_STREAM_ID=%s\n", c.StreamID())
		os.Exit(130)
	case errors.Is(err, client.ErrResyncRequired):
		fmt.Fprintln(os.Stderr, "stream history expired on the server; start a new request")
		os.Exit(1)
	case err != nil:
		log.Error().Err(err).Str("stream_id", c.StreamID()).Msg("stream failed")
		os.Exit(1)
	}

	switch res.Terminal.Type {
	case stream.TypeDone:
		if d, err := res.Terminal.Done(); err == nil {
			log.Info().
				Str("stream_id", res.StreamID).
				Int("tokens", d.TotalTokens).
				Float64("cost", d.TotalCost).
				Int("reconnects", res.Reconnects).
				Msg("stream complete")
		}
	case stream.TypeError:
		p, _ := res.Terminal.Err()
		fmt.Fprintf(os.Stderr, "stream failed: %s (%s)\n", p.Error, p.ErrorType)
		os.Exit(1)
	}
}

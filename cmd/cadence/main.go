package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/clock"
	srtingest "github.com/zsiec/cadence/ingest/srt"
	"github.com/zsiec/cadence/internal/pipeline"
)

var version = "dev"

type config struct {
	// Input selects a transport-stream file to replay (pace-controlled).
	// When empty, cadence listens for SRT publishes instead.
	Input         string        `envconfig:"INPUT"`
	SRTAddr       string        `envconfig:"SRT_ADDR" default:":6000"`
	Rate          int           `envconfig:"RATE" default:"1000"`
	StatsInterval time.Duration `envconfig:"STATS_INTERVAL" default:"5s"`
	Debug         bool          `envconfig:"DEBUG"`
}

func main() {
	var cfg config
	if err := envconfig.Process("cadence", &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("cadence starting",
		"version", version,
		"srt", cfg.SRTAddr,
		"input", cfg.Input,
		"rate", cfg.Rate,
	)

	var err error
	if cfg.Input != "" {
		err = runFile(ctx, cfg)
	} else {
		err = runSRT(ctx, cfg)
	}
	if err != nil {
		slog.Error("cadence exited", "error", err)
		os.Exit(1)
	}
}

// runFile replays a transport-stream file. We control the pace, so the
// clock accrues buffering slack instead of measuring drift.
func runFile(ctx context.Context, cfg config) error {
	f, err := os.Open(cfg.Input)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	return runStream(ctx, cfg, "file", f, true)
}

// runSRT listens for SRT publishes; each stream gets its own clock and
// pipeline. The network imposes the pace, so drift is measured.
func runSRT(ctx context.Context, cfg config) error {
	srv := srtingest.NewServer(cfg.SRTAddr, func(ctx context.Context, streamKey string, input io.Reader) {
		if err := runStream(ctx, cfg, streamKey, input, false); err != nil {
			slog.Error("stream error", "stream", streamKey, "error", err)
		}
	}, nil)
	return srv.Serve(ctx)
}

func runStream(ctx context.Context, cfg config, streamKey string, input io.Reader, paced bool) error {
	clk := clock.New(cfg.Rate)
	p := pipeline.New(streamKey, input, clk, nil)
	p.SetPaced(paced)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return p.Run(ctx)
	})

	// Consume stamped units. Scheduling presentation against the
	// deadlines belongs to a renderer; here we just account for them.
	g.Go(func() error {
		log := slog.With("stream", streamKey)
		var n int64
		for u := range p.Units() {
			n++
			if n%500 == 0 {
				log.Debug("unit", "kind", u.Kind.String(), "pts", u.PTS,
					"deadline", u.Deadline, "lead_us", u.Deadline-clock.Now())
			}
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.StatsInterval)
		defer ticker.Stop()
		log := slog.With("stream", streamKey)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				log.Info("sync stats", "stats", p.Snapshot())
				log.Debug("clock state", "clock", clk.String())
			}
		}
	})

	return g.Wait()
}

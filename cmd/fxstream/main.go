package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fxstream/internal/application/usecase/monitor"
	"fxstream/internal/infrastructure/config"
	"fxstream/internal/infrastructure/container"
	"fxstream/internal/infrastructure/logger"
	"fxstream/internal/interfaces/console"

	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	replay := flag.Duration("replay", 0, "print archived ticks from this far back before going live, e.g. 1h")
	flag.Parse()

	logger.Setup("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	lg := logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := container.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("init container failed")
	}
	defer c.Close()

	gw, err := c.Gateway()
	if err != nil {
		lg.Fatal().Err(err).Msg("build gateway failed")
	}
	ticks, err := gw.Start()
	if err != nil {
		lg.Fatal().Err(err).Msg("start gateway failed")
	}

	svc := monitor.NewService(monitor.ServiceDeps{
		Ticks:       ticks,
		Signals:     gw.Signals(),
		Instruments: cfg.Instruments(),
		PrintEvery:  cfg.PrintEvery(),
		Pips:        c.Pips(),
		Sink:        console.NewSink(),
		Store:       c.Store(),
		Archive:     c.Archive(),
		Replay:      *replay,
		Logger:      lg,
	})

	lg.Info().
		Str("config", *configPath).
		Int("venues", len(cfg.Venues)).
		Strs("instruments", cfg.Instruments()).
		Int("reorder_window_ms", cfg.Merge.ReorderWindowMs).
		Msg("fxstream started")

	// monitor 一直消费到 tick 流关闭，保证 Stop 时窗口内的 tick 被写完
	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	monitorDone := false
	select {
	case <-ctx.Done():
	case err := <-done:
		monitorDone = true
		lg.Error().Err(err).Msg("monitor service exited")
		// 没有消费者了，丢弃剩余 tick 以免 Stop 卡在 merger 输出上
		go func() {
			for range ticks {
			}
		}()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(stopCtx); err != nil {
		lg.Error().Err(err).Msg("gateway stop")
	}
	if !monitorDone {
		select {
		case <-done:
		case <-stopCtx.Done():
			lg.Warn().Msg("monitor did not drain before timeout")
		}
	}
	for venue, st := range gw.Stats() {
		lg.Info().
			Str("venue", venue).
			Uint64("ticks", st.Ticks).
			Uint64("parse_errors", st.ParseErrors).
			Uint64("reconnects", st.Reconnects).
			Uint64("dropped", st.Dropped).
			Msg("venue stats")
	}
}

// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/matrix-bridgeproxy/pkg/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to the config file (optional, defaults are embedded)")
	flag.Parse()

	cfg, err := proxy.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMilli,
	}).With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)

	live := proxy.NewLiveRegistry(log)
	tokens := proxy.NewPushTokenStore()
	pusher := proxy.NewGatewayPusher(cfg.PushGatewayURL, log)
	fanout := proxy.NewFanout(live, tokens, pusher, log)
	registry := proxy.NewRegistry(cfg, live, fanout, log)
	orch := proxy.NewOrchestrator(cfg, log)
	api := proxy.NewServer(cfg, registry, orch, live, tokens, log)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Handler(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("homeserver_url", cfg.HomeserverURL).
		Msg("Bridge proxy started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	registry.StopAll()
}

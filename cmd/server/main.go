package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/mentorhub/realtime/internal/config"
	"github.com/mentorhub/realtime/internal/mock"
	"github.com/mentorhub/realtime/internal/stats"
	"github.com/mentorhub/realtime/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Publish synthetic session events")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	registry := ws.NewRegistry(ws.Options{
		SendBuffer:     cfg.WS.SendBuffer,
		MaxConnections: cfg.WS.MaxConnections,
		WriteTimeout:   cfg.WS.WriteTimeout,
		PingInterval:   cfg.WS.PingInterval,
	}, log.With().Str("component", "registry").Logger())

	server := ws.NewServer(registry, cfg.WS.PongTimeout, cfg.Server.AllowedOrigins, cfg.Server.AuthToken,
		log.With().Str("component", "server").Logger())

	collector, err := stats.NewCollector(registry)
	if err != nil {
		log.Warn().Err(err).Msg("process stats unavailable")
	} else {
		server.SetStatsCollector(collector)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mockMode {
		log.Info().Msg("starting in mock mode")
		gen := mock.NewGenerator(registry, cfg.Mock.TickInterval, log.With().Str("component", "mock").Logger())
		gen.Start(ctx)
	}

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		registry.CloseAll()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

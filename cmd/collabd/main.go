package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Glfrancodev/semilleros-collab/internal/api"
	"github.com/Glfrancodev/semilleros-collab/internal/auth"
	"github.com/Glfrancodev/semilleros-collab/internal/config"
	"github.com/Glfrancodev/semilleros-collab/internal/relay"
	"github.com/Glfrancodev/semilleros-collab/internal/retention"
	"github.com/Glfrancodev/semilleros-collab/internal/room"
	"github.com/Glfrancodev/semilleros-collab/internal/store"
	"github.com/Glfrancodev/semilleros-collab/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("COLLAB_LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing document store")
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := room.NewRegistry()

	var hubRelay ws.Relay
	var redisRelay *relay.Redis
	if cfg.RedisAddr != "" {
		nodeID := cfg.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		redisRelay, err = relay.NewRedis(ctx, cfg.RedisAddr, nodeID)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connecting to redis")
		}
		defer redisRelay.Close()
		hubRelay = redisRelay
		log.Info().Str("addr", cfg.RedisAddr).Str("node", nodeID).Msg("room relay enabled")
	}

	hub := ws.NewHub(registry, hubRelay)
	go hub.Run(ctx)

	if redisRelay != nil {
		go func() {
			if err := redisRelay.Run(ctx, hub.HandleRelay); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("relay subscription ended")
			}
		}()
	}

	keeper := retention.New(st, retention.Config{
		Interval:   cfg.RetentionInterval,
		KeepPerDoc: cfg.RetentionKeep,
	})
	keeper.Start()
	defer keeper.Stop()

	verifier := auth.NewVerifier(cfg.JWTSecret)
	handler := api.New(hub, st, verifier)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("db", cfg.DBPath).Msg("collab server starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}

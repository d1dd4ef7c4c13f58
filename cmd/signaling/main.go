package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/handlers"
	"github.com/mossy-p/consult-signaling/internal/logging"
	"github.com/mossy-p/consult-signaling/internal/records"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	l := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Console: !cfg.IsProduction(),
		File:    cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	redisClient, err := redis.Connect(connectCtx, cfg.Redis)
	cancel()
	if err != nil {
		l.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	l.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis connection established")

	db, err := records.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to open session database")
	}
	sessions, err := records.NewGormStore(db, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to prepare session store")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	store := redis.NewStore(redisClient, cfg.MessageTail)
	hub := handlers.NewHub(handlers.HubOptions{
		Store:        store,
		JWTSecret:    cfg.JWTSecret,
		RequireToken: cfg.RequireToken,
		Logger:       l,
	})
	router := handlers.NewRouter(handlers.RouterOptions{
		Hub:            hub,
		Rooms:          handlers.NewRooms(hub, store, l),
		Sessions:       handlers.NewSessions(sessions, l),
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         l,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.Info().Str("port", cfg.Port).Str("environment", cfg.Environment).Msg("Starting signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("Shutting down server...")

		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Error().Err(err).Msg("Server failed")
		os.Exit(1)
	}
	l.Info().Msg("Server exited")
}

// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	mb "github.com/vardius/message-bus"
	"golang.org/x/sync/errgroup"

	"dustkid-arena/internal/archive"
	"dustkid-arena/internal/broker"
	"dustkid-arena/internal/config"
	"dustkid-arena/internal/dustkid"
	"dustkid-arena/internal/game"
	"dustkid-arena/internal/handlers"
	"dustkid-arena/internal/middleware"
)

func main() {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info")); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := mb.New(config.GetEnvInt("BUS_SIZE", 1024))

	client := dustkid.NewClient(logger)
	ingester := dustkid.NewIngester(bus, logger)

	picker := game.NewLevelPicker(client.ResolveLevel, client.FetchLevelStats, logger)
	deps := game.Deps{
		Resolve: client.ResolveLevel,
		Picker:  picker,
	}
	durations := game.DefaultDurations()
	durations.Warmup = config.GetEnvDuration("WARMUP_SECONDS", durations.Warmup)
	durations.Break = config.GetEnvDuration("BREAK_SECONDS", durations.Break)
	durations.Round = config.GetEnvDuration("ROUND_SECONDS", durations.Round)
	durations.EmptyTimeout = config.GetEnvDuration("EMPTY_LOBBY_SECONDS", durations.EmptyTimeout)
	b := broker.New(bus, client.FetchUserName, deps, durations, logger)

	// The archive is optional; without Redis the server just plays rounds.
	if config.GetEnv("REDIS_ADDR", "") != "" {
		recorder, err := archive.NewRecorder(ctx, logger)
		if err != nil {
			logger.Fatalf("could not connect to redis: %v", err)
		}
		defer recorder.Close()
		recorder.Attach(ctx, bus)
		logger.Info("event archive enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/create_lobby", handlers.CreateLobbyHandler(logger, b))
	mux.Handle("/api/start_round", handlers.StartRoundHandler(logger, b))
	mux.Handle("/ws", handlers.LobbyWSHandler(logger, b))

	srv := &http.Server{
		Addr:    ":" + config.GetEnv("PORT", "8080"),
		Handler: middleware.LogMiddleware(logger, mux),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingester.Run(gctx) })
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		logger.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
	logger.Info("server stopped")
}

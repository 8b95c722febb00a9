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

	"github.com/spf13/cobra"

	"github.com/whisperintel/whisper/internal/auth"
	"github.com/whisperintel/whisper/internal/config"
	httpapp "github.com/whisperintel/whisper/internal/http"
	"github.com/whisperintel/whisper/internal/janitor"
	"github.com/whisperintel/whisper/internal/logging"
	"github.com/whisperintel/whisper/internal/rate"
	"github.com/whisperintel/whisper/internal/store/sqlite"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the whisper API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(config.Options{ConfigPath: cfgFile})
	if err != nil {
		return err
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	authSvc := auth.NewService(store, cfg.TokenTTL, cfg.ChallengeTTL, auth.WithBcryptCost(cfg.BcryptCost))

	var limiter rate.Limiter
	var janitorOpts []janitor.Option
	if cfg.RedisAddr != "" {
		rl := rate.NewRedis(rate.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), logger.WithPrefix("rate"))
		defer rl.Close()
		limiter = rl
		logger.Info("using redis rate limiter", "addr", cfg.RedisAddr)
	} else {
		mem := rate.NewMemory()
		limiter = mem
		janitorOpts = append(janitorOpts, janitor.WithPruner(mem))
	}

	jan, err := janitor.New(cfg.JanitorSchedule, store, logger.WithPrefix("janitor"), janitorOpts...)
	if err != nil {
		return err
	}
	jan.Start()

	server, err := httpapp.NewServer(store, authSvc, limiter, cfg, logger.WithPrefix("http"))
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("whisper listening", "addr", cfg.Addr, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	jan.Stop(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	return nil
}

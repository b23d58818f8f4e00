package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"can-autoconfig/internal/api"
	"can-autoconfig/internal/app"
	"can-autoconfig/internal/autoconfig"
	"can-autoconfig/internal/config"
	"can-autoconfig/internal/profile"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile       string
		detectOnStart bool
	)

	flagSet := pflag.NewFlagSet("api-server", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env", ".env", "path to .env configuration file")
	flagSet.BoolVar(&detectOnStart, "detect-on-start", true, "run detection once at startup")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	app.SetupLogging(os.Stderr, cfg.LogLevel)

	slog.Info("api-server: starting",
		"port", cfg.APIPort,
		"interface", cfg.CANInterface,
		"persist", cfg.PersistDetections,
	)

	source, sourceName, err := app.OpenSource(cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	persistence := app.OpenPersistence(cfg)
	defer persistence.Close()

	engine := app.NewEngine(cfg, source, cfg.ReplayFile == "",
		autoconfig.WithResultHook(persistence.Record(sourceName)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverConfig := api.ServerConfig{
		Port:     cfg.APIPort,
		Defaults: profile.SystemDefaults,
	}
	// Leave the interfaces nil rather than holding typed nil pointers
	if persistence != nil && persistence.History != nil {
		serverConfig.History = persistence.History
	}
	if persistence != nil && persistence.Trend != nil {
		serverConfig.Trend = persistence.Trend
	}
	server := api.NewServer(ctx, serverConfig, engine)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("api-server: shutting down")
		engine.Cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if detectOnStart {
		g.Go(func() error {
			_, err := engine.Run(gctx)
			switch {
			case err == nil, errors.Is(err, autoconfig.ErrCancelled), errors.Is(err, autoconfig.ErrBusy):
			default:
				// A failed startup run is retryable over the API
				slog.Warn("api-server: startup detection failed", "error", err)
			}
			return nil
		})
	}

	slog.Info("api-server: ready", "url", fmt.Sprintf("http://localhost:%d/", cfg.APIPort))
	return g.Wait()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"can-autoconfig/internal/app"
	"can-autoconfig/internal/autoconfig"
	"can-autoconfig/internal/config"
	"can-autoconfig/internal/profile"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile  string
		replay   string
		iface    string
		duration time.Duration
		probe    bool
	)

	flagSet := pflag.NewFlagSet("can-autoconfig", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env", ".env", "path to .env configuration file")
	flagSet.StringVar(&replay, "replay", "", "candump log to classify instead of a live interface")
	flagSet.StringVarP(&iface, "interface", "i", "", "SocketCAN interface (overrides CAN_INTERFACE)")
	flagSet.DurationVarP(&duration, "duration", "d", 0, "capture duration (overrides CAPTURE_DURATION_MS)")
	flagSet.BoolVar(&probe, "probe", true, "compare the interface bitrate with the detected profile")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if replay != "" {
		cfg.ReplayFile = replay
	}
	if iface != "" {
		cfg.CANInterface = iface
	}
	if duration > 0 {
		cfg.CaptureMS = int(duration.Milliseconds())
	}

	app.SetupLogging(os.Stderr, cfg.LogLevel)

	source, sourceName, err := app.OpenSource(cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	persistence := app.OpenPersistence(cfg)
	defer persistence.Close()

	engine := app.NewEngine(cfg, source, probe && cfg.ReplayFile == "",
		autoconfig.WithResultHook(persistence.Record(sourceName)),
	)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// First interrupt ends the capture early; the second aborts the run
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		slog.Info("autoconfig: interrupt received, finishing with frames captured so far")
		engine.Cancel()
		<-sigChan
		stop()
	}()

	slog.Info("autoconfig: detecting controller",
		"source", sourceName,
		"duration", cfg.CaptureDuration(),
	)

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	return printResult(result, engine.Config().Effective(profile.SystemDefaults))
}

func printResult(result *autoconfig.Result, effective autoconfig.Settings) error {
	out := struct {
		*autoconfig.Result
		Effective autoconfig.Settings `json:"effective"`
	}{result, effective}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `can-autoconfig listens passively to a CAN bus, identifies the engine
controller family from its traffic and prints the resulting configuration.

Usage:
  can-autoconfig [flags]

Examples:
  # Classify three seconds of traffic on can0
  can-autoconfig -i can0

  # Classify a recorded candump log
  can-autoconfig --replay trace.log

Flags:
%s`, flagSet.FlagUsages())
}

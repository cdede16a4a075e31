package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/harunnryd/callbridge/pkg/callbridge"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/runner"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "settings.ini", "path to settings.ini")
	flag.Parse()

	// Secrets referenced as ${VAR} in settings.ini may live in a .env file.
	_ = godotenv.Load()

	cfg, err := callbridge.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup(cfg.General.LogLevel, cfg.General.LogFormat)

	app, err := callbridge.NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger.Info("callbridge_started",
		slog.Int("sip_port", cfg.SIP.Port),
		slog.String("dialog_url", cfg.General.DialogURL))

	lr := runner.NewLifecycleRunner(appDrainer{app: app}, runner.Hooks{
		OnStop: func() { logger.Info("callbridge_stopped") },
	}, 15*time.Second)
	return lr.Run(ctx)
}

// appDrainer hangs up the active call, unregisters and closes the SIP
// listener during shutdown drain.
type appDrainer struct {
	app *callbridge.App
}

func (d appDrainer) Drain() error {
	d.app.Close()
	return nil
}

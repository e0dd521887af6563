package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pagelens/internal/app"
	"pagelens/internal/cli"
	"pagelens/internal/config"
	"pagelens/internal/logger"
)

func main() {
	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Logs go to stderr so command output stays clean on stdout
	slog.SetDefault(logger.New(os.Stderr, cfg.SlogLevel()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, args []string, out io.Writer) error {
	// 2. Connect to backing services
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		return err
	}

	// 3. Wire the application
	a, err := app.New(cfg, deps)
	if err != nil {
		deps.Close()
		slog.Error("failed to initialize app", "error", err)
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	// 4. Run the requested command
	cli.Configure(cli.FromApp(a))
	cli.SetOutput(out, out)
	return cli.Execute(ctx, args)
}

// Command pairhedge runs a delta-neutral hedging engine over two or three
// independently authenticated futures accounts: a primary account accumulates
// a long position through limit orders while the helpers mirror every fill
// with market sells, the combined position is held for a randomized period,
// unwound, reconciled, and the loop repeats until a shutdown signal.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pairhedge/pairhedge/cmd/pairhedge/internal/config"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

// fatalConfig exits with code 2 so supervisors can tell operator error from
// runtime failure.
func fatalConfig(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(2)
}

func main() {
	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatalConfig("parsing flags failed", err)
	}
	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatalConfig("invalid parameters", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fatalConfig("invalid configuration", err)
	}

	// The signal subscription stays active through teardown, so a repeated
	// SIGINT is swallowed instead of killing a half-finished unwind.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(AppOptions{Config: cfg})
	if err != nil {
		fatal("startup failed", err)
	}

	runErr := app.Run(ctx)
	closeErr := app.Close(context.Background())
	if err := errors.Join(runErr, closeErr); err != nil {
		fatal("engine exited with errors", err)
	}
}

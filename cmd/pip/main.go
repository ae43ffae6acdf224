package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, level); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, level *slog.LevelVar) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := newRootCommand(logger, level)
	return root.ExecuteContext(ctx)
}

func newRootCommand(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	root := &cobra.Command{
		Use:           "pip",
		Short:         "Drive the build / design / validate protein design pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	deps := &cliDeps{logger: logger, level: level}
	root.AddCommand(
		newResolveCommand(deps),
		newCheckCommand(deps),
		newUnclaimedCommand(deps),
		newSubmitCommand(deps),
		newClearCommand(deps),
		newPickCommand(deps),
		newCacheCommand(deps),
		newSettingsCommand(deps),
		newTaskCommand(deps),
	)
	return root
}

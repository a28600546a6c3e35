// Package cli implements onboardctl, a local driver for the onboarding flow.
package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"onboarding-agent/internal/repository"
	"onboarding-agent/internal/usecase"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Database string
	Memory   bool
	Verbose  bool
}

// NewRootCommand creates the onboardctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "onboardctl",
		Short: "Drive onboarding conversations from the terminal",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Memory && opts.Database == "" {
				return errors.New("--db must not be empty unless --memory is set")
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "onboarding.db", "SQLite database path")
	cmd.PersistentFlags().BoolVar(&opts.Memory, "memory", false, "keep state in memory only")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log delivery decisions to stderr")

	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewProfileCommand(opts))

	return cmd
}

// openStore returns the configured store and a function that closes it.
func openStore(ctx context.Context, opts *RootOptions) (usecase.ProfileStore, func() error, error) {
	if opts.Memory {
		return repository.NewMemoryStore(), func() error { return nil }, nil
	}
	db, err := repository.OpenSQLite(opts.Database)
	if err != nil {
		return nil, nil, err
	}
	store, err := repository.NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, db.Close, nil
}

func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	if !opts.Verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

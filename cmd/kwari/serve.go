package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kwaribook/backend/internal/app"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background sync loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.open(cmd.Context()); err != nil {
				return err
			}
			if err := app.ValidateSecurity(opts.cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return opts.app.Serve(ctx)
		},
	}
}

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"kwaribook/backend/internal/app"
	"kwaribook/backend/internal/provision"
)

func newProvisionCommand(opts *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the remote database, collections and attributes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.open(cmd.Context()); err != nil {
				return err
			}
			if opts.app.Provisioner == nil {
				return errors.New("no remote configured; set KWARI_REMOTE_DRIVER")
			}
			report, err := provision.Run(cmd.Context(), opts.app.Provisioner, app.Naming(opts.cfg), name, opts.log)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "ensured %d collections, %d attributes\n", report.Collections, report.Attributes)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "Kwari Book", "display name for a newly created database")
	return cmd
}

package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"kwaribook/backend/internal/domain"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes, pull remote data and inspect the queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "push",
		Short: "Drain due queue entries to the remote store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.open(cmd.Context()); err != nil {
				return err
			}
			res, err := opts.app.Engine.Push(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				if res.Skipped != "" {
					fmt.Fprintf(w, "push skipped: %s\n", res.Skipped)
					return
				}
				fmt.Fprintf(w, "pushed %d of %d (deferred %d, failed %d, dead %d)\n",
					res.Pushed, res.Attempted, res.Deferred, res.Failed, res.DeadLettered)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "pull",
		Short: "Fetch every replicated collection from the remote store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.open(cmd.Context()); err != nil {
				return err
			}
			res, pullErr := opts.app.Engine.Pull(cmd.Context())
			err := opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				if res.Skipped != "" {
					fmt.Fprintf(w, "pull skipped: %s\n", res.Skipped)
					return
				}
				names := make([]string, 0, len(res.Collections))
				for c := range res.Collections {
					names = append(names, string(c))
				}
				sort.Strings(names)
				for _, name := range names {
					st := res.Collections[domain.Collection(name)]
					fmt.Fprintf(w, "%-24s fetched %d inserted %d updated %d skipped %d %s\n",
						name, st.Fetched, st.Inserted, st.Updated, st.Skipped, st.Error)
				}
			})
			if pullErr != nil {
				return pullErr
			}
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue counts and the last runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.open(cmd.Context()); err != nil {
				return err
			}
			st, err := opts.app.Engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), st, func(w io.Writer) {
				fmt.Fprintf(w, "configured: %t\n", st.Configured)
				fmt.Fprintf(w, "pending: %d in-flight: %d dead: %d\n", st.Queue.Pending, st.Queue.InFlight, st.Queue.Dead)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue [entry-id...]",
		Short: "Return dead-lettered entries to the queue, all of them without ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("bad entry id %q", arg)
				}
				ids = append(ids, id)
			}
			if err := opts.open(cmd.Context()); err != nil {
				return err
			}
			n, err := opts.app.Engine.Requeue(cmd.Context(), ids...)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]int{"requeued": n}, func(w io.Writer) {
				fmt.Fprintf(w, "requeued %d\n", n)
			})
		},
	})
	return cmd
}

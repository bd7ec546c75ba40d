package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/app"
	"kwaribook/backend/internal/config"
	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/logger"
	"kwaribook/backend/internal/service"
)

type rootOptions struct {
	configFile string
	jsonOutput bool
	logOut     io.Writer

	cfg config.Config
	log *slog.Logger
	app *app.App
}

// run executes one CLI invocation and releases whatever backends the
// command opened, also when it failed.
func run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	opts := &rootOptions{logOut: os.Stderr}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(out)

	err := cmd.ExecuteContext(ctx)
	if opts.app != nil {
		err = errors.Join(err, opts.app.Close())
	}
	return err
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kwari",
		Short:         "Kwari bookkeeping backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newProvisionCommand(opts))
	cmd.AddCommand(newUserCommand(opts))
	return cmd
}

// open loads configuration and builds the backends. Commands call it
// themselves so that --help works without a reachable store.
func (o *rootOptions) open(ctx context.Context) error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	o.cfg = cfg
	o.log = logger.NewTo(cfg.Env, o.logOut, cfg.LogLevel)

	buildCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	a, err := app.Build(buildCtx, cfg, o.log)
	if err != nil {
		return err
	}
	o.app = a
	return nil
}

// operatorContext acts as the owner: the CLI is only reachable by whoever
// administers the machine.
func operatorContext(ctx context.Context) context.Context {
	return service.WithActor(ctx, domain.Actor{Username: "cli", Role: domain.RoleOwner})
}

func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

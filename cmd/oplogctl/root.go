package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-durable/pkg/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the oplogctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "oplogctl",
		Short:         "Inspect and edit durable worker operation logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file overlaid on the environment")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newSearchCommand(opts))
	cmd.AddCommand(newForkCommand(opts))
	cmd.AddCommand(newRevertCommand(opts))
	cmd.AddCommand(newCancelCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	cmd.AddCommand(newArchiveCommand(opts))
	cmd.AddCommand(newServeCommand(opts))

	return cmd
}

// open loads the configuration and builds the store stack. Logs go to the
// command's stderr.
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*config.Stack, error) {
	var (
		cfg config.Config
		err error
	)
	if o.ConfigFile != "" {
		cfg, err = config.LoadFile(o.ConfigFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	return config.Build(ctx, cfg, cfg.Log.NewLogger(cmd.ErrOrStderr()))
}

// withStack runs fn against a freshly built stack and closes it afterwards.
func (o *RootOptions) withStack(cmd *cobra.Command, fn func(ctx context.Context, s *config.Stack) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stack, err := o.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = stack.Close(context.WithoutCancel(ctx)) }()
	return fn(ctx, stack)
}

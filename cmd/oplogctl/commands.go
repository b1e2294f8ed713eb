package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-durable/pkg/config"
	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
	"github.com/Mindburn-Labs/helm-durable/pkg/timetravel"
	"github.com/Mindburn-Labs/helm-durable/pkg/worker"
)

func newGetCommand(opts *RootOptions) *cobra.Command {
	var (
		token string
		count int
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "get <component/worker>",
		Short: "Print a page of a worker's oplog",
		Example: `  oplogctl get cart/user-1
  oplogctl get cart/user-1 --count 20 --token <next>
  oplogctl get cart/user-1 --all --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := oplog.ParseWorkerID(args[0])
			if err != nil {
				return err
			}
			return opts.withStack(cmd, func(ctx context.Context, s *config.Stack) error {
				for {
					page, err := s.Service.GetOplog(ctx, w, token, count)
					if err != nil {
						return err
					}
					if all {
						token, page.Next = page.Next, ""
					}
					if err := writePage(cmd.OutOrStdout(), opts.Format, page); err != nil {
						return err
					}
					if !all || token == "" {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "continue from a previous page")
	cmd.Flags().IntVar(&count, "count", worker.DefaultPageSize, "entries per page")
	cmd.Flags().BoolVar(&all, "all", false, "follow pages to the end of the log")
	return cmd
}

func newSearchCommand(opts *RootOptions) *cobra.Command {
	var (
		token string
		count int
	)
	cmd := &cobra.Command{
		Use:   "search <component/worker> <query>",
		Short: "Search a worker's oplog",
		Long: `Search a worker's oplog.

A plain query is a list of whitespace separated terms. Adjacent terms and
AND bind tighter than OR. A bare word matches the entry text, field:value
matches any payload field of that name (fn and key are short for
function_name and idempotency_key). Matching is case-insensitive.

A query starting with cel: is a CEL boolean expression over entry.`,
		Example: `  oplogctl search cart/user-1 "fn:rand"
  oplogctl search cart/user-1 'cel:entry.kind == "error"'
  oplogctl search cart/user-1 "kind:imported-function-invoked OR key:order-7"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := oplog.ParseWorkerID(args[0])
			if err != nil {
				return err
			}
			return opts.withStack(cmd, func(ctx context.Context, s *config.Stack) error {
				page, err := s.Service.SearchOplog(ctx, w, args[1], token, count)
				if err != nil {
					return err
				}
				return writePage(cmd.OutOrStdout(), opts.Format, page)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "continue from a previous page")
	cmd.Flags().IntVar(&count, "count", worker.DefaultPageSize, "matches per page")
	return cmd
}

func newForkCommand(opts *RootOptions) *cobra.Command {
	var cutoff uint64
	cmd := &cobra.Command{
		Use:   "fork <source> <target>",
		Short: "Copy a worker's oplog prefix into a new worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := oplog.ParseWorkerID(args[0])
			if err != nil {
				return err
			}
			target, err := oplog.ParseWorkerID(args[1])
			if err != nil {
				return err
			}
			return opts.withStack(cmd, func(ctx context.Context, s *config.Stack) error {
				if err := s.Service.Fork(ctx, source, target, oplog.Index(cutoff)); err != nil {
					return err
				}
				return writeFields(cmd.OutOrStdout(), opts.Format, map[string]any{
					"source": source.String(),
					"target": target.String(),
					"cutoff": cutoff,
				})
			})
		},
	}
	cmd.Flags().Uint64Var(&cutoff, "cutoff", 0, "last index copied into the target (required)")
	_ = cmd.MarkFlagRequired("cutoff")
	return cmd
}

func newRevertCommand(opts *RootOptions) *cobra.Command {
	var (
		toIndex       int64
		lastN         int
		region        string
		allowInterior bool
	)
	cmd := &cobra.Command{
		Use:   "revert <component/worker>",
		Short: "Retract part of a worker's history",
		Example: `  oplogctl revert cart/user-1 --to-index 12
  oplogctl revert cart/user-1 --last-invocations 2
  oplogctl revert cart/user-1 --range 5..9 --allow-interior`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := oplog.ParseWorkerID(args[0])
			if err != nil {
				return err
			}
			var target timetravel.RevertTarget
			switch {
			case toIndex >= 0:
				target = timetravel.ToIndex(oplog.Index(toIndex))
			case lastN > 0:
				target = timetravel.LastInvocations(lastN)
			case region != "":
				r, err := parseRegion(region)
				if err != nil {
					return err
				}
				target = timetravel.Range(r)
			default:
				return errors.New("one of --to-index, --last-invocations or --range is required")
			}
			return opts.withStack(cmd, func(ctx context.Context, s *config.Stack) error {
				marker, dropped, err := s.Service.Revert(ctx, w, target,
					timetravel.RevertOptions{AllowInterior: allowInterior})
				if err != nil {
					return err
				}
				return writeFields(cmd.OutOrStdout(), opts.Format, map[string]any{
					"marker":  marker,
					"dropped": dropped.String(),
				})
			})
		},
	}
	cmd.Flags().Int64Var(&toIndex, "to-index", -1, "keep entries up to and including this index")
	cmd.Flags().IntVar(&lastN, "last-invocations", 0, "drop the n most recent invocations")
	cmd.Flags().StringVar(&region, "range", "", "drop an explicit region, as start..end")
	cmd.Flags().BoolVar(&allowInterior, "allow-interior", false, "permit dropping a region that is not a suffix")
	cmd.MarkFlagsMutuallyExclusive("to-index", "last-invocations", "range")
	return cmd
}

func newCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <component/worker> <idempotency-key>",
		Short: "Cancel a pending invocation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := oplog.ParseWorkerID(args[0])
			if err != nil {
				return err
			}
			return opts.withStack(cmd, func(ctx context.Context, s *config.Stack) error {
				if err := s.Service.CancelInvocation(ctx, w, oplog.IdempotencyKey(args[1])); err != nil {
					return err
				}
				return writeFields(cmd.OutOrStdout(), opts.Format, map[string]any{
					"worker":    w.String(),
					"cancelled": args[1],
				})
			})
		},
	}
}

func newReplayCommand(opts *RootOptions) *cobra.Command {
	var show string
	cmd := &cobra.Command{
		Use:   "replay <component/worker>",
		Short: "Rebuild a worker's state from its oplog",
		Long: `Rebuild a worker's state from its committed oplog.

--show state prints the rebuilt state, --show manifest the imported calls
served to the guest on replay, and --show fingerprint replays twice and
prints the state fingerprint. A fingerprint mismatch exits with code 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := oplog.ParseWorkerID(args[0])
			if err != nil {
				return err
			}
			return opts.withStack(cmd, func(ctx context.Context, s *config.Stack) error {
				out := cmd.OutOrStdout()
				switch show {
				case "state":
					state, err := s.Service.State(ctx, w)
					if err != nil {
						return err
					}
					if opts.Format == "json" {
						return writeJSON(out, state)
					}
					return writeFields(out, opts.Format, map[string]any{
						"status":            state.Status,
						"last_index":        state.LastIndex,
						"component_version": state.ComponentVersion,
						"pending":           len(state.Pending),
						"completed":         len(state.Completed),
						"tape":              len(state.Tape),
						"resources":         len(state.Resources),
						"error_count":       state.ErrorCount,
					})
				case "manifest":
					m, err := s.Service.Manifest(ctx, w)
					if err != nil {
						return err
					}
					if opts.Format == "json" {
						return writeJSON(out, m)
					}
					for _, item := range m.Entries {
						_, _ = fmt.Fprintf(out, "%8d %-10s %-32s %s\n", item.Index, item.Class, item.FunctionName, item.SHA256)
					}
					return nil
				case "fingerprint":
					fp, err := s.Service.Verify(ctx, w)
					if err != nil {
						return err
					}
					return writeFields(out, opts.Format, map[string]any{"fingerprint": fp})
				default:
					return fmt.Errorf("invalid --show %q: must be state, manifest or fingerprint", show)
				}
			})
		},
	}
	cmd.Flags().StringVar(&show, "show", "state", "what to print (state|manifest|fingerprint)")
	return cmd
}

func newArchiveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Run one archival pass over every worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStack(cmd, func(ctx context.Context, s *config.Stack) error {
				if s.Archiver == nil {
					return errors.New("archiving is disabled (archive backend is none)")
				}
				report, err := s.Archiver.RunOnce(ctx)
				if err != nil {
					return err
				}
				failed := make(map[string]string, len(report.Failed))
				for w, err := range report.Failed {
					failed[w.String()] = err.Error()
				}
				fields := map[string]any{
					"scanned":  report.Scanned,
					"archived": report.Total(),
				}
				if len(failed) > 0 {
					fields["failed"] = failed
				}
				return writeFields(cmd.OutOrStdout(), opts.Format, fields)
			})
		},
	}
}

func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the archiver until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return opts.withStack(cmd, func(ctx context.Context, s *config.Stack) error {
				if s.Archiver == nil {
					return errors.New("archiving is disabled (archive backend is none)")
				}
				if err := s.Archiver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
}

func parseRegion(s string) (oplog.Region, error) {
	start, end, ok := strings.Cut(s, "..")
	if !ok {
		return oplog.Region{}, fmt.Errorf("invalid range %q: expected start..end", s)
	}
	a, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return oplog.Region{}, fmt.Errorf("invalid range start %q: %w", start, err)
	}
	b, err := strconv.ParseUint(end, 10, 64)
	if err != nil {
		return oplog.Region{}, fmt.Errorf("invalid range end %q: %w", end, err)
	}
	if b < a {
		return oplog.Region{}, fmt.Errorf("invalid range %q: end before start", s)
	}
	return oplog.Region{Start: oplog.Index(a), End: oplog.Index(b)}, nil
}

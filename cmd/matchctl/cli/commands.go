// Package cli implements the matchctl commands for running matching jobs
// and maintaining the aggregate cache from a shell.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"dealflow/server/config"
	"dealflow/server/internal/app"
	"dealflow/server/internal/matching"
	"dealflow/server/internal/models"
	"dealflow/server/internal/stagesync"
)

// Builder creates the components a command runs against.
type Builder func() (*app.Components, error)

// DefaultBuilder loads configuration from the environment. Logs go to
// stderr so stdout carries only command output.
func DefaultBuilder(stderr io.Writer) Builder {
	return func() (*app.Components, error) {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, err
		}
		logger := app.NewLogger(cfg.Server.LogLevel)
		logger.SetOutput(stderr)
		return app.Build(cfg, logger)
	}
}

// NewRootCmd creates the matchctl command tree.
func NewRootCmd(build Builder) *cobra.Command {
	root := &cobra.Command{
		Use:           "matchctl",
		Short:         "Run buyer/property matching and maintain the match cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(build),
		newClearCmd(build),
		newDedupeCmd(build),
		newSyncCmd(build),
		newStatusCmd(build),
		newTransitionCmd(build),
		newStagesCmd(),
	)
	return root
}

// withComponents builds the components, runs fn and writes its result as
// JSON. Pending CRM syncs are drained before returning.
func withComponents(cmd *cobra.Command, build Builder, fn func(ctx context.Context, c *app.Components) (interface{}, error)) error {
	c, err := build()
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer c.Close()

	result, err := fn(cmd.Context(), c)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func newRunCmd(build Builder) *cobra.Command {
	var (
		minScore float64
		force    bool
		buyerIDs []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Score every buyer against every property and create matches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := matching.RunOptions{ForceRematch: force, BuyerIDs: buyerIDs}
			if cmd.Flags().Changed("min-score") {
				opts.MinScore = &minScore
			}
			return withComponents(cmd, build, func(ctx context.Context, c *app.Components) (interface{}, error) {
				return c.Runner.Run(ctx, opts)
			})
		},
	}
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Minimum score for a match (default from MATCH_MIN_SCORE)")
	cmd.Flags().BoolVar(&force, "force", false, "Re-score existing matches in place")
	cmd.Flags().StringSliceVar(&buyerIDs, "buyer", nil, "Limit the run to these buyer record ids")
	return cmd
}

func newClearCmd(build Builder) *cobra.Command {
	var buyerID string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete matches, all or for one buyer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd, build, func(ctx context.Context, c *app.Components) (interface{}, error) {
				return c.Runner.Clear(ctx, buyerID)
			})
		},
	}
	cmd.Flags().StringVar(&buyerID, "buyer", "", "Only clear matches of this buyer record id")
	return cmd
}

func newDedupeCmd(build Builder) *cobra.Command {
	return &cobra.Command{
		Use:   "dedupe",
		Short: "Delete all but the oldest match of every buyer/property pair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd, build, func(ctx context.Context, c *app.Components) (interface{}, error) {
				return c.Runner.Dedupe(ctx)
			})
		},
	}
}

func newSyncCmd(build Builder) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rebuild cached aggregates and record a new baseline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd, build, func(ctx context.Context, c *app.Components) (interface{}, error) {
				return c.Aggregates.SyncAll(ctx)
			})
		},
	}
}

func newStatusCmd(build Builder) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether cached aggregates are stale",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withComponents(cmd, build, func(ctx context.Context, c *app.Components) (interface{}, error) {
				return c.Aggregates.Status(ctx)
			})
		},
	}
}

func newTransitionCmd(build Builder) *cobra.Command {
	var (
		from string
		note string
	)
	cmd := &cobra.Command{
		Use:   "transition <match-id> <stage>",
		Short: "Move a match to a pipeline stage and sync its CRM relation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := stagesync.TransitionRequest{
				MatchID: args[0],
				ToStage: models.Stage(args[1]),
				Note:    note,
			}
			if cmd.Flags().Changed("from") {
				fromStage := models.Stage(from)
				req.FromStage = &fromStage
			}
			return withComponents(cmd, build, func(ctx context.Context, c *app.Components) (interface{}, error) {
				return c.Engine.Transition(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Fail unless the match is currently at this stage")
	cmd.Flags().StringVar(&note, "note", "", "Note stored with the stage change")
	return cmd
}

func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List pipeline stages in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := make([]string, 0, len(models.AllStages))
			for _, s := range models.AllStages {
				out = append(out, string(s))
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

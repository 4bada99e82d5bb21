package main

import (
	"context"

	"github.com/spf13/cobra"

	"changetrail/domain/tracked"
	"changetrail/errors"
)

// addResetFlags 注册重置与回滚共用的开关
func addResetFlags(cmd *cobra.Command, ro *tracked.ResetOptions) {
	cmd.Flags().BoolVar(&ro.SkipChangeSet, "skip-change-set", false, "do not record a RESET change set")
	cmd.Flags().BoolVar(&ro.DiscardCreate, "discard-create", false, "undo and delete the CREATE change set instead of keeping it")
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var ro tracked.ResetOptions
	cmd := &cobra.Command{
		Use:   "reset <collection> <entity-id> <change-set-id>",
		Short: "Undo a single change set",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				repo, _, err := a.repository(args[0])
				if err != nil {
					return err
				}
				result, err := repo.ResetSingleChangeSetByID(ctx, args[1], args[2], ro)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, result)
			})
		},
	}
	addResetFlags(cmd, &ro)
	return cmd
}

type rollbackAllResult struct {
	RolledBack int64 `json:"rolledBack" yaml:"rolledBack"`
}

func newRollbackCmd(opts *rootOptions) *cobra.Command {
	var (
		ro          tracked.RollbackOptions
		to          string
		changeSetID string
		all         bool
	)
	cmd := &cobra.Command{
		Use:   "rollback <collection> [entity-id]",
		Short: "Roll an entity back to a change set or a point in time",
		Long: `Roll an entity back to the state it had before the given change set,
or before the given time. With --all every entity of the collection is rolled
back to --to.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (to == "") == (changeSetID == "") {
				return errors.NewInvalidInput("exactly one of --to or --change-set is required")
			}
			if all && (len(args) != 1 || to == "") {
				return errors.NewInvalidInput("--all takes no entity id and requires --to")
			}
			if !all && len(args) != 2 {
				return errors.NewInvalidInput("entity id is required")
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				repo, _, err := a.repository(args[0])
				if err != nil {
					return err
				}
				if changeSetID != "" {
					result, err := repo.RollbackToChangeSetByID(ctx, args[1], changeSetID, ro)
					if err != nil {
						return err
					}
					return render(cmd.OutOrStdout(), opts.output, result)
				}

				date, err := parseTime(to)
				if err != nil {
					return err
				}
				if all {
					n, err := repo.RollbackAllToDate(ctx, date, nil, ro)
					if err != nil {
						return err
					}
					return render(cmd.OutOrStdout(), opts.output, rollbackAllResult{RolledBack: n})
				}
				result, err := repo.RollbackToDateByID(ctx, args[1], date, ro)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, result)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "roll back every change set created at or after this RFC3339 time")
	cmd.Flags().StringVar(&changeSetID, "change-set", "", "roll back this change set and every later one")
	cmd.Flags().BoolVar(&all, "all", false, "roll back every entity of the collection (requires --to)")
	addResetFlags(cmd, &ro)
	return cmd
}

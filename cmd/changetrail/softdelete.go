package main

import (
	"context"

	"github.com/spf13/cobra"

	"changetrail/domain/tracked"
	"changetrail/errors"
)

// softRepository 返回启用了软删除的集合仓储
func (a *app) softRepository(name string) (*tracked.SoftDeleteRepository, error) {
	_, soft, err := a.repository(name)
	if err != nil {
		return nil, err
	}
	if soft == nil {
		return nil, errors.NewError(errors.ErrCodeUnsupported, "collection "+name+" does not use soft delete")
	}
	return soft, nil
}

type countResult struct {
	Count int64 `json:"count" yaml:"count"`
}

func newSoftDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "soft-delete <collection> <entity-id>",
		Short: "Mark an entity as deleted and record a DELETE change set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				repo, err := a.softRepository(args[0])
				if err != nil {
					return err
				}
				return repo.SoftDeleteByID(ctx, args[1])
			})
		},
	}
}

func newRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <collection> <entity-id>",
		Short: "Restore a soft-deleted entity and record a RESTORE change set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				repo, err := a.softRepository(args[0])
				if err != nil {
					return err
				}
				return repo.RestoreByID(ctx, args[1])
			})
		},
	}
}

func newPurgeDeletedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-deleted <collection>",
		Short: "Physically delete soft-deleted entities and their change sets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				repo, err := a.softRepository(args[0])
				if err != nil {
					return err
				}
				n, err := repo.DeleteAllDeleted(ctx, nil)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, countResult{Count: n})
			})
		},
	}
}

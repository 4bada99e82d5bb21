package main

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"changetrail/domain/changeset"
	"changetrail/domain/tracked"
	"changetrail/errors"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		since string
		types []string
		desc  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history <collection> <entity-id>",
		Short: "List the change sets of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := tracked.ChangeSetQuery{Descending: desc, Limit: limit}
			if since != "" {
				t, err := parseTime(since)
				if err != nil {
					return err
				}
				q.Since = &t
			}
			for _, name := range types {
				typ := changeset.Type(strings.ToLower(name))
				if !typ.Valid() {
					return errors.NewInvalidInput("unknown change set type " + name)
				}
				q.Types = append(q.Types, typ)
			}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				repo, _, err := a.repository(args[0])
				if err != nil {
					return err
				}
				sets, err := repo.ChangeSets(ctx, args[1], q)
				if err != nil {
					return err
				}
				if sets == nil {
					sets = []*changeset.ChangeSet{}
				}
				return render(cmd.OutOrStdout(), opts.output, sets)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only change sets created at or after this RFC3339 time")
	cmd.Flags().StringSliceVar(&types, "type", nil, "filter by change set type (create, update, replace, delete, restore, reset)")
	cmd.Flags().BoolVar(&desc, "desc", false, "newest first")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of change sets")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <collection> <change-set-id>",
		Short: "Show a single change set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				repo, _, err := a.repository(args[0])
				if err != nil {
					return err
				}
				cs, err := repo.ChangeSet(ctx, args[1])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.output, cs)
			})
		},
	}
}

// parseTime 接受 RFC3339 与 RFC3339Nano
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.NewInvalidInput("invalid time " + s + ": expected RFC3339")
	}
	return t, nil
}

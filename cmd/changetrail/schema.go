package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"changetrail/data/db/dialect"
	sqlstore "changetrail/data/store/sql"
)

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print or apply DDL for tracked collections and audit tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			metas, err := a.metas(ctx)
			if err != nil {
				return err
			}
			if apply {
				if err := sqlstore.EnsureSchema(ctx, a.db, metas...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied schema for %d tables\n", len(metas))
				return nil
			}
			d := dialect.New(a.cfg.Database.Driver)
			for _, meta := range metas {
				stmts, err := sqlstore.DDL(d, meta)
				if err != nil {
					return err
				}
				for _, stmt := range stmts {
					fmt.Fprintf(cmd.OutOrStdout(), "%s;\n", stmt)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "execute the statements against the configured database")
	return cmd
}

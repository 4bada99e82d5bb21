package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"
)

type rootOptions struct {
	configPath string
	output     string
	actor      string
}

// newRootCmd 每次返回新的命令树，测试之间不共享 flag 状态
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "changetrail",
		Short: "Inspect and roll back tracked change sets",
		Long: `changetrail records field-level change sets for tracked collections
and rolls entities back to an earlier change set or point in time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputJSON, outputYAML:
				return nil
			}
			return fmt.Errorf("unknown output format %q", opts.output)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default ./changetrail.yaml)")
	flags.StringVarP(&opts.output, "output", "o", outputJSON, "output format: json or yaml")
	flags.StringVar(&opts.actor, "actor", "", "actor recorded as createdBy on new change sets")

	root.AddCommand(
		newSchemaCmd(opts),
		newHistoryCmd(opts),
		newShowCmd(opts),
		newResetCmd(opts),
		newRollbackCmd(opts),
		newSoftDeleteCmd(opts),
		newRestoreCmd(opts),
		newPurgeDeletedCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// render 按 --output 输出
func render(w io.Writer, format string, v any) error {
	if format == outputYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

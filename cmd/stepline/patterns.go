package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/stepline/internal/engine"
	"github.com/ehrlich-b/stepline/internal/optimizer"
)

func patternsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "patterns",
		Short: "List the compiled pattern library in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			lib, err := engine.Library(cfg)
			if err != nil {
				return err
			}
			opt := optimizer.Compile(lib, optimizer.Options{Indexing: cfg.IndexingEnabled})
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTEP TYPE\tACTION\tPRIORITY\tCONFIDENCE")
			for _, p := range opt.Patterns() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\n", p.ID, p.StepType, p.Action, p.Priority, p.Confidence)
			}
			return tw.Flush()
		},
	}
}

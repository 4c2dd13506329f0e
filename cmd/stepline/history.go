package main

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/stepline/internal/engine"
	"github.com/ehrlich-b/stepline/internal/history"
	"github.com/ehrlich-b/stepline/internal/state"
	"github.com/ehrlich-b/stepline/internal/step"
	"github.com/ehrlich-b/stepline/internal/store"
)

func historyCmd(g *globals) *cobra.Command {
	var asJSON bool
	var tag, typ string
	cmd := &cobra.Command{
		Use:   "history [conversation]",
		Short: "Print a conversation's recorded steps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				g.conversation = args[0]
			}
			return g.withState(cmd, func(ctx context.Context, m *state.Manager) error {
				steps, err := m.Search(ctx, state.Query{Tag: tag, Type: step.Type(typ)})
				if err != nil {
					return err
				}
				for _, s := range steps {
					if err := printStep(cmd.OutOrStdout(), s, asJSON); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print steps as JSON lines")
	cmd.Flags().StringVar(&tag, "tag", "", "Only steps carrying this tag")
	cmd.Flags().StringVar(&typ, "type", "", "Only steps of this type")
	return cmd
}

func checkpointCmd(g *globals) *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage history checkpoints",
	}
	cp.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List checkpoints of the conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withState(cmd, func(ctx context.Context, m *state.Manager) error {
				cps, err := m.Checkpoints(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tLABEL\tSTEPS\tCREATED")
				for _, c := range cps {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.Label, len(c.StepIDs), c.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	})
	cp.AddCommand(&cobra.Command{
		Use:   "create [label]",
		Short: "Checkpoint the current history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label := ""
			if len(args) == 1 {
				label = args[0]
			}
			return g.withState(cmd, func(ctx context.Context, m *state.Manager) error {
				c, err := m.Checkpoint(ctx, label)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), c.ID)
				return nil
			})
		},
	})
	cp.AddCommand(&cobra.Command{
		Use:   "restore <checkpoint-id>",
		Short: "Replace history with a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withState(cmd, func(ctx context.Context, m *state.Manager) error {
				if err := m.Restore(ctx, args[0]); err != nil {
					return err
				}
				n, err := m.Cursor(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s at cursor %d\n", args[0], n)
				return nil
			})
		},
	})
	return cp
}

// withState opens the configured adapter and the conversation's history
// without building the rest of the pipeline.
func (g *globals) withState(cmd *cobra.Command, fn func(ctx context.Context, m *state.Manager) error) error {
	cfg, cleanup, err := g.setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	adapter, err := engine.OpenAdapter(cfg, nil)
	if err != nil {
		return err
	}
	codec, err := state.CodecByName(cfg.PersistenceCodec)
	if err != nil {
		adapter.Close()
		return err
	}
	m := state.NewManager(adapter, state.Config{
		ConversationID: g.conversation,
		MaxHistory:     cfg.MaxStepHistory,
		MaxCheckpoints: cfg.MaxCheckpoints,
		Codec:          codec,
	})
	ctx := cmd.Context()
	defer m.Close(context.Background())
	if err := m.Init(ctx); err != nil {
		return err
	}
	if err := m.Load(ctx); err != nil {
		return err
	}
	return fn(ctx, m)
}

func backupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Write the database adapter's documents to a zstd JSONL file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			s, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := s.Backup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backed up %d documents to %s\n", n, args[0])
			return nil
		},
	}
}

func restoreCmd(g *globals) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Load a backup file into the database adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			s, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.RestoreBackup(cmd.Context(), args[0], store.RestoreOptions{Overwrite: overwrite})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d, overwritten %d, skipped %d\n", res.Inserted, res.Overwritten, res.Skipped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace documents that already exist")
	return cmd
}

func watchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print history documents as the file adapter writes them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			s := history.NewStore(engine.HistoryDir(cfg), cfg.FileExt)
			changes, err := s.Watch(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", filepath.Clean(s.Dir()))
			for c := range changes {
				verb := "updated"
				if c.Removed {
					verb = "removed"
				}
				kind := "history"
				if state.IsCheckpointKey(c.Key) {
					kind = "checkpoint"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", verb, kind, c.Key)
			}
			return nil
		},
	}
}

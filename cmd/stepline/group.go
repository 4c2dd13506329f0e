package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/stepline/internal/control"
	"github.com/ehrlich-b/stepline/internal/engine"
	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/step"
)

func groupCmd(g *globals) *cobra.Command {
	var mode string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "group [file]",
		Short: "Group a JSONL event stream into steps",
		Long:  "Reads events from file (or stdin) and prints one line per step. Steps are recorded in the conversation history.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := g.setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			if mode != "" {
				cfg.ControlMode = mode
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			interactive := cfg.ControlMode != string(control.Automatic)
			if interactive && (path == "" || path == "-") {
				return fmt.Errorf("%s mode reads decisions from stdin; pass the events as a file", cfg.ControlMode)
			}
			if interactive && !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("%s mode needs a terminal on stdin", cfg.ControlMode)
			}
			in, err := openInput(path, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer in.Close()

			p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			opts := engine.Options{}
			if cfg.ControlMode == string(control.ReviewRequired) {
				opts.Reviewer = p.review
			}
			e, err := g.openEngine(cmd, cfg, opts)
			if err != nil {
				return err
			}
			defer e.Close(context.Background())

			out := cmd.OutOrStdout()
			err = e.Run(cmd.Context(), event.NewScanner(in), engine.RunOptions{
				Decide: p.decide,
				OnResult: func(res control.Result) error {
					if res.Kind != control.ResultStep {
						return nil
					}
					return printStep(out, *res.Step, asJSON)
				},
			})
			if err != nil {
				return err
			}
			stats := e.Controller().Stats()
			fmt.Fprintf(cmd.ErrOrStderr(), "%d steps delivered, %d skipped\n", stats.Delivered, stats.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Control mode: automatic, manual or review_required")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print steps as JSON lines")
	return cmd
}

func printStep(w io.Writer, s step.Step, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(s)
	}
	_, err := fmt.Fprintln(w, stepLine(s))
	return err
}

func stepLine(s step.Step) string {
	tools := "-"
	if len(s.ToolsUsed) > 0 {
		tools = strings.Join(s.ToolsUsed, ",")
	}
	return fmt.Sprintf("%s  %-18s %-11s %3d events  conf=%.2f  tools=%s  %s",
		s.StartedAt.Format("15:04:05"), s.Type, s.Status, len(s.Messages), s.Confidence, tools, s.Description)
}

// prompter asks a human at the terminal to decide on held steps.
type prompter struct {
	in  *lineReader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: newLineReader(in), out: out}
}

func (p *prompter) decide(ctx context.Context, res control.Result) (control.Decision, error) {
	if res.Step == nil {
		return control.Decision{Action: control.Continue}, nil
	}
	fmt.Fprintln(p.out, stepLine(*res.Step))
	if res.Cause != nil {
		fmt.Fprintf(p.out, "  held: %v\n", res.Cause)
	}
	for {
		fmt.Fprint(p.out, "[c]ontinue [s]kip [a]bort [g]uidance <text> > ")
		line, err := p.in.ReadLine(ctx)
		if errors.Is(err, io.EOF) {
			return control.Decision{Action: control.Abort}, nil
		}
		if err != nil {
			return control.Decision{}, err
		}
		if dec, ok := parseDecision(line); ok {
			return dec, nil
		}
		fmt.Fprintln(p.out, "unrecognized answer")
	}
}

// review is the Reviewer for review_required mode: approve or reject.
func (p *prompter) review(ctx context.Context, s step.Step) (control.Decision, error) {
	fmt.Fprintln(p.out, "review: "+stepLine(s))
	for {
		fmt.Fprint(p.out, "approve? [y/n] > ")
		line, err := p.in.ReadLine(ctx)
		if err != nil {
			return control.Decision{}, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return control.Decision{Action: control.Continue}, nil
		case "n", "no":
			return control.Decision{Action: control.Skip}, nil
		}
	}
}

func parseDecision(line string) (control.Decision, bool) {
	line = strings.TrimSpace(line)
	cmd, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(cmd) {
	case "", "c", "continue":
		return control.Decision{Action: control.Continue}, true
	case "s", "skip":
		return control.Decision{Action: control.Skip}, true
	case "a", "abort":
		return control.Decision{Action: control.Abort}, true
	case "g", "guidance":
		return control.Decision{
			Action: control.Intervene,
			Intervention: &step.Intervention{
				Type:     step.InterventionGuidance,
				Content:  strings.TrimSpace(rest),
				Priority: step.PriorityMedium,
			},
			ThenContinue: true,
		}, true
	}
	return control.Decision{}, false
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/revskill10/openagent-cli-sub002/internal/checkpoint"
	"github.com/revskill10/openagent-cli-sub002/internal/input"
	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/store"
	"github.com/revskill10/openagent-cli-sub002/internal/validation"
	"github.com/revskill10/openagent-cli-sub002/pkg/schema"
)

func newRunCommand(load configLoader) *cobra.Command {
	var (
		approve  bool
		vars     map[string]string
		varsFile string
		id       string
	)
	cmd := &cobra.Command{
		Use:   "run <file|->",
		Short: "Run a script, printing its events",
		Long:  "Run executes a script file (or stdin with -) to the end. Ctrl-C pauses the execution at its last checkpoint; continue it with resume.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			script, err := readScript(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			initial, err := loadVars(varsFile, vars)
			if err != nil {
				return err
			}
			if approve {
				cfg.RequireApproval = true
			}

			a, err := newApp(cmd.Context(), cfg, appOptions{Input: inputFor(cfg, cmd), Plugins: true})
			if err != nil {
				return err
			}
			defer a.close()

			if id == "" {
				id = uuid.NewString()
			}
			stop, err := follow(cmd.Context(), a.hub, id, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			st, err := a.exec.Run(cmd.Context(), id, script, initial)
			stop()
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "ask before every tool call")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "initial variable as key=value (repeatable)")
	cmd.Flags().StringVar(&varsFile, "vars", "", "YAML or JSON file of initial variables")
	cmd.Flags().StringVar(&id, "id", "", "execution id (default: generated)")
	return cmd
}

func newResumeCommand(load configLoader) *cobra.Command {
	var approve bool
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused or interrupted execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if approve {
				cfg.RequireApproval = true
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{Input: inputFor(cfg, cmd), Plugins: true})
			if err != nil {
				return err
			}
			defer a.close()

			id := args[0]
			stop, err := follow(cmd.Context(), a.hub, id, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			st, err := resumeAndWait(cmd.Context(), a.exec, id)
			stop()
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "ask before every tool call")
	return cmd
}

func newStatusCommand(load configLoader) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show an execution's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.exec.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return describe(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full checkpoint as JSON")
	return cmd
}

func newListCommand(load configLoader) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			states, err := a.exec.List(cmd.Context(), store.ExecutionFilter{
				Status: schema.ExecutionStatus(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No executions found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSTEPS\tERRORS\tMACHINE\tUPDATED")
			for _, st := range states {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					st.ID, st.Status, len(st.CompletedSteps), len(st.Errors), st.MachineID,
					st.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status: running, paused, completed, failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of executions")
	return cmd
}

func newCheckCommand(load configLoader) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check <file|->",
		Short: "Check a script without running it",
		Long:  "Check parses a script and reports unknown tools, invalid steps, dependency problems, malformed expressions and jq filters. It exits non-zero when any error is found.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			script, err := readScript(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			reg, validator, err := newToolRegistry()
			if err != nil {
				return err
			}
			if len(cfg.Plugins) > 0 {
				pm := loadPlugins(cmd.Context(), cfg, reg, logger)
				defer pm.Close()
			}
			res := validation.NewLinter(validator, reg).Lint(script)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				for _, is := range append(res.Errors, res.Warnings...) {
					fmt.Fprintln(out, formatIssue(is))
				}
				fmt.Fprintf(out, "%d blocks, %d steps: %d errors, %d warnings\n",
					res.Blocks, res.Steps, len(res.Errors), len(res.Warnings))
			}
			return res.ToError()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func formatIssue(is schema.ValidationIssue) string {
	loc := is.Path
	if is.StepID != "" {
		loc += " (" + is.StepID + ")"
	}
	return fmt.Sprintf("%-7s %s: %s [%s]", is.Severity, loc, is.Message, is.Code)
}

// resumeAndWait resumes id and waits for it, pausing it again if ctx ends
// first.
func resumeAndWait(ctx context.Context, exec *checkpoint.Executor, id string) (*checkpoint.State, error) {
	if _, err := exec.Resume(ctx, id); err != nil {
		return nil, err
	}
	st, err := exec.Wait(ctx, id)
	if err != nil && ctx.Err() != nil {
		return exec.Pause(context.WithoutCancel(ctx), id)
	}
	return st, err
}

func inputFor(cfg Config, cmd *cobra.Command) input.Handler {
	if !cfg.RequireApproval {
		return nil
	}
	return input.NewTerminal(cmd.InOrStdin(), cmd.ErrOrStderr())
}

func readScript(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errors.New("script is empty")
	}
	return string(data), nil
}

// loadVars merges a YAML/JSON variables file with --var pairs; pairs win.
// Pair values are parsed as YAML scalars so numbers and booleans keep their
// type.
func loadVars(path string, pairs map[string]string) (map[string]any, error) {
	vars := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read vars: %w", err)
		}
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, fmt.Errorf("parse vars %s: %w", path, err)
		}
	}
	for k, raw := range pairs {
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		vars[k] = v
	}
	return vars, nil
}

// report prints the final line of a run and turns a failed execution into a
// non-zero exit.
func report(w io.Writer, st *checkpoint.State) error {
	fmt.Fprintf(w, "\nexecution %s %s (%d steps completed, %d errors)\n",
		st.ID, st.Status, len(st.CompletedSteps), len(st.Errors))
	switch st.Status {
	case schema.ExecutionStatusPaused:
		fmt.Fprintf(w, "resume with: openagent resume %s\n", st.ID)
	case schema.ExecutionStatusFailed:
		return fmt.Errorf("execution %s failed", st.ID)
	}
	return nil
}

func describe(w io.Writer, st *checkpoint.State) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", st.ID)
	fmt.Fprintf(tw, "Status:\t%s\n", st.Status)
	fmt.Fprintf(tw, "Machine:\t%s\n", st.MachineID)
	fmt.Fprintf(tw, "Created:\t%s\n", st.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(tw, "Updated:\t%s\n", st.UpdatedAt.Local().Format(time.DateTime))
	if st.CompletedAt != nil {
		fmt.Fprintf(tw, "Finished:\t%s\n", st.CompletedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(tw, "Completed steps:\t%s\n", strings.Join(st.CompletedSteps, ", "))
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, e := range st.Errors {
		step := e.StepID
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(w, "  error %s %s: %s\n", step, e.Code, e.Message)
	}
	if len(st.Variables) > 0 {
		fmt.Fprintln(w, "Variables:")
		out, err := yaml.Marshal(st.Variables)
		if err != nil {
			return err
		}
		for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
			fmt.Fprintln(w, "  "+line)
		}
	}
	return nil
}

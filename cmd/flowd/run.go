package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type runOptions struct {
	inputs      []string
	logsDir     string
	timeout     time.Duration
	json        bool
	showOutputs bool
}

func newRunCmd(c *cli) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow definition once",
		Example: `  flowd run example.yaml
  flowd run workflow.yaml -i name=John -i count=5 --timeout 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, args[0], opts)
		},
	}
	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "Variable in key=value form; values are parsed as JSON when possible")
	cmd.Flags().StringVarP(&opts.logsDir, "logs", "l", "", "Directory to write per-execution step logs to")
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 0, "Execution timeout (e.g. 30s, 5m)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print the final context as JSON")
	cmd.Flags().BoolVar(&opts.showOutputs, "show-outputs", true, "Print step outputs after execution")
	return cmd
}

func (c *cli) run(ctx context.Context, path string, opts *runOptions) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("workflow file %q not found", path)
	}
	variables, err := parseInputs(opts.inputs)
	if err != nil {
		return err
	}
	logger := c.cfg.Logger()

	color.Blue("Loading workflow from: %s", path)
	def, err := flow.LoadDefinitionFile(path)
	if err != nil {
		return err
	}
	color.Cyan("Workflow: %s", firstNonEmpty(def.Name, def.ID))
	if def.Description != "" {
		color.White("Description: %s", def.Description)
	}

	st, closeStore, err := openStore(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	cm, err := newCheckpointManager(c.cfg, st, logger)
	if err != nil {
		return err
	}
	defer cm.Close()
	registry, err := newTaskRegistry(c.cfg, logger)
	if err != nil {
		return err
	}
	var callbacks flow.ExecutionCallbacks
	if opts.logsDir != "" {
		callbacks = flow.NewStepLogCallbacks(flow.NewFileStepLogger(opts.logsDir), logger)
		color.Blue("Step logs: %s", opts.logsDir)
	}
	engine, err := newEngine(c.cfg, registry, cm, callbacks, logger)
	if err != nil {
		return err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
		color.Yellow("Timeout: %v", opts.timeout)
	}

	executionID := flow.NewExecutionID()
	color.Green("Starting execution (ID: %s)...", executionID)
	start := time.Now()
	final, err := engine.Execute(ctx, flow.ExecuteRequest{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		Definition:  def,
		Variables:   variables,
	})
	if err != nil {
		return err
	}
	return showExecutionResults(final, time.Since(start), opts)
}

// parseInputs turns key=value pairs into variables.
func parseInputs(inputs []string) (map[string]any, error) {
	variables := make(map[string]any, len(inputs))
	for _, input := range inputs {
		key, value, ok := strings.Cut(input, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, use key=value", input)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		variables[key] = parsed
	}
	return variables, nil
}

func showExecutionResults(final *flow.ExecutionContext, duration time.Duration, opts *runOptions) error {
	if opts.json {
		data, err := json.MarshalIndent(final.ToMap(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}

	color.White("Execution finished in %v after %d steps", duration.Round(time.Millisecond), final.StepCount)
	switch final.Status {
	case flow.ExecutionStatusCompleted:
		color.Green("Status: %s", final.Status)
	case flow.ExecutionStatusFailed:
		color.Red("Status: %s", final.Status)
		color.Red("Error: %s", final.ErrorMessage)
	default:
		color.Yellow("Status: %s", final.Status)
	}

	if opts.showOutputs && !opts.json && len(final.StepOrder) > 0 {
		fmt.Println()
		color.Magenta("Outputs:")
		for _, stepID := range final.StepOrder {
			result := final.StepResults[stepID]
			if result == nil {
				continue
			}
			if !result.Success {
				fmt.Printf("  %s: %s\n", stepID, color.RedString("error: %s", result.Error))
				continue
			}
			if data, err := json.Marshal(result.Output); err == nil {
				fmt.Printf("  %s: %s\n", stepID, string(data))
			} else {
				fmt.Printf("  %s: %v\n", stepID, result.Output)
			}
		}
	}

	switch final.Status {
	case flow.ExecutionStatusCompleted:
		return nil
	case flow.ExecutionStatusRunning:
		return fmt.Errorf("execution %s interrupted; it can be resumed by flowd serve", final.ExecutionID)
	default:
		return fmt.Errorf("execution %s %s", final.ExecutionID, final.Status)
	}
}

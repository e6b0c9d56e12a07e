package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/task"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>...",
		Short: "Check workflow definitions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := newTaskRegistry(c.cfg, c.cfg.Logger())
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				problems, warnings := validateFile(registry, path)
				for _, w := range warnings {
					color.Yellow("%s: warning: %s", path, w)
				}
				if len(problems) > 0 {
					failed++
					for _, p := range problems {
						color.Red("%s: %s", path, p)
					}
					continue
				}
				color.Green("%s: ok", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions are invalid", failed, len(args))
			}
			return nil
		},
	}
}

// validateFile reports structural problems and unknown task types as
// problems. Config schema violations are warnings when the config holds
// templates, since those resolve only at run time.
func validateFile(registry *task.Registry, path string) (problems, warnings []string) {
	def, err := flow.LoadDefinitionFile(path)
	if err != nil {
		return []string{err.Error()}, nil
	}
	for _, step := range def.Steps {
		if !registry.Has(step.Type) {
			problems = append(problems, fmt.Sprintf("step %q: unknown task type %q", step.ID, step.Type))
			continue
		}
		if err := registry.Validate(step.Type, step.Config); err != nil {
			msg := fmt.Sprintf("step %q: %v", step.ID, err)
			if hasTemplate(step.Config) {
				warnings = append(warnings, msg)
			} else {
				problems = append(problems, msg)
			}
		}
	}
	return problems, warnings
}

func hasTemplate(config map[string]any) bool {
	data, err := json.Marshal(config)
	return err == nil && strings.Contains(string(data), "{{")
}

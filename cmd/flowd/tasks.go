package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newTasksCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the available task types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := newTaskRegistry(c.cfg, c.cfg.Logger())
			if err != nil {
				return err
			}
			all := registry.ListAll()
			sort.Slice(all, func(i, j int) bool {
				if all[i].Family != all[j].Family {
					return all[i].Family < all[j].Family
				}
				return all[i].Type < all[j].Type
			})
			if asJSON {
				data, err := json.MarshalIndent(all, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			family := ""
			for _, meta := range all {
				if string(meta.Family) != family {
					family = string(meta.Family)
					color.Magenta("%s:", family)
				}
				fmt.Printf("  %-16s %s\n", meta.Type, meta.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print metadata and config schemas as JSON")
	return cmd
}

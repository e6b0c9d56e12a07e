// Command flowd runs workflow definitions: once from the command line, or
// as a long-running service that serves triggers and resumes interrupted
// executions.
package main

import (
	"os"

	"github.com/deepnoodle-ai/flow/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// cli carries the configuration shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}
	root := &cobra.Command{
		Use:           "flowd",
		Short:         "Run workflow definitions and serve their triggers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(c.v, c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "Path to a YAML config file")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("store", "", "Store driver: memory, file, postgres or dynamodb")
	flags.String("data-dir", "", "Directory of the file store")
	c.bind(root, "log.level", "log-level")
	c.bind(root, "store.driver", "store")
	c.bind(root, "store.data_dir", "data-dir")

	root.AddCommand(
		newServeCmd(c),
		newRunCmd(c),
		newValidateCmd(c),
		newTasksCmd(c),
	)
	return root
}

// bind makes a flag override its config key when it is set.
func (c *cli) bind(cmd *cobra.Command, key, flag string) {
	f := cmd.PersistentFlags().Lookup(flag)
	if f == nil {
		f = cmd.Flags().Lookup(flag)
	}
	_ = c.v.BindPFlag(key, f)
}

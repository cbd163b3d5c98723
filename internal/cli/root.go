// Package cli wires the command-line interface: serve runs the HTTP
// surface, chat runs an interactive local session, version prints build
// information.
package cli

import (
	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/pkg/logger"
)

type globalFlags struct {
	ConfigPath string
	Verbose    bool
	Quiet      bool
}

var flags globalFlags

// NewRootCmd builds the root command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - coding agent harness",
		Long: `Loom runs coding-agent sessions: a streaming LLM dialogue with
side-effecting tools, conversation branching and automatic context
compaction. Start the HTTP surface with 'loom serve' or talk to an
agent directly with 'loom chat'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			configPath := flags.ConfigPath
			if configPath == "" {
				var err error
				configPath, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logCfg := cfg.Log
			if flags.Verbose {
				logCfg.Level = "debug"
			}
			if flags.Quiet {
				logCfg.Level = "error"
			}
			return logger.Init(logCfg)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "errors only")

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewChatCmd())
	rootCmd.AddCommand(NewVersionCmd())
	return rootCmd
}

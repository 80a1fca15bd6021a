package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/runbok/internal/config"
)

// configEnv names the config file when --config is not given.
const configEnv = "RUNBOK_CONFIG"

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "runbok",
		Short:         "Run workflow field snippets locally or inside a live Node process",
		Long:          "runbok evaluates field snippets from a YAML workflow either in a local sandbox or, over the Node inspector protocol, inside a running process.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (default $"+configEnv+")")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newExecCmd(opts),
		newInspectCmd(opts),
	)
	return rootCmd
}

// load builds the configuration: defaults, file, environment, then flags.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "maestro",
		Short: "Orchestration engine for multi-agent LLM pipelines",
		Long: `Maestro runs pipelines of LLM agents with sequential, parallel, or consensus
strategies, retrying transient provider failures and persisting every step so
failed executions can be resumed and finished ones replayed.

Configuration is layered: defaults < ~/.maestro/settings.json < MAESTRO_* env
vars < flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.SetVersionTemplate("maestro {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", settingsPath(), "settings file")
	pf.String("db-driver", "", "store driver: libsql or postgres")
	pf.String("db-dsn", "", "store DSN")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: json or text")
	pf.String("pipelines-dir", "", "directory of pipeline definition files")
	pf.String("invoker-url", "", "HTTP endpoint for agents without a dedicated binding")
	pf.Int("pool-size", 0, "max concurrent steps")
	pf.Int("max-attempts", 0, "attempts per step, including the first")
	pf.Duration("step-timeout", 0, "default per-step deadline")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newValidateCmd(opts),
		newResumeCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

// resolveConfig builds the effective configuration for cmd.
func (o *rootOptions) resolveConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := loadConfig(o.configPath, os.Getenv)
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(&cfg, cmd.Flags()); err != nil {
		return cfg, err
	}
	return cfg, nil
}

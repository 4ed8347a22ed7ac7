package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/logging"
)

// app holds what every subcommand shares: flags, loaded config and logger.
type app struct {
	globalConfig  string
	projectConfig string
	logLevel      string
	logFormat     string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{projectConfig: config.ProjectPath()}
	if p, err := config.GlobalPath(); err == nil {
		a.globalConfig = p
	}

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Plan and run multi-team work as gated task graphs",
		Long: `Conductor scores incoming work, routes it to roles, decomposes it into a
task graph with approval gates, and runs the graph on configured executors.

Configuration is layered: built-in defaults, the global file, the project
file, then CONDUCTOR_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.globalConfig, "global-config", a.globalConfig, "global config file")
	flags.StringVarP(&a.projectConfig, "config", "c", a.projectConfig, "project config file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (text, json)")

	root.AddCommand(
		newScoreCmd(a),
		newRouteCmd(a),
		newPlanCmd(a),
		newRunCmd(a),
		newStatusCmd(a),
		newTemplatesCmd(a),
		newConfigCmd(a),
	)
	return root
}

// load reads configuration and builds the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.globalConfig, a.projectConfig)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

// description joins positional args into one request description.
func description(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("a description is required")
	}
	return strings.Join(args, " "), nil
}

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"localmodeld/internal/config"
	"localmodeld/internal/logging"
	"localmodeld/internal/service"
)

// app carries state shared by every subcommand.
type app struct {
	cfgPath   string
	logLevel  string
	logFormat string
	modelsDir string

	cfg config.Config
	log zerolog.Logger
}

func buildRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "modeld",
		Short:         "Host local GGUF models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgPath, "config", "c", "", "Config file (.yaml, .yml, .json, .toml)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug|info|warn|error|off (defaults MODELD_LOG_LEVEL or info)")
	pf.StringVar(&a.logFormat, "log-format", "", "Log format: console|json")
	pf.StringVar(&a.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files (defaults ~/models/llm)")

	root.AddCommand(
		newServeCmd(a),
		newWorkerCmd(a),
		newModelsCmd(a),
		newEstimateCmd(a),
		newPullCmd(a),
	)
	return root
}

// load resolves file, environment and flag configuration, in increasing
// priority, and builds the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Resolve(a.cfgPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	if flags.Changed("models-dir") {
		cfg.ModelsDir = a.modelsDir
	}
	a.cfg = cfg
	a.log = logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	return nil
}

func (a *app) service(reg prometheus.Registerer) (*service.Service, error) {
	sc, err := service.FromConfig(a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	sc.Registerer = reg
	return service.New(sc)
}

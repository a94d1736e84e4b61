package main

import (
	"log/slog"

	"github.com/m4xw311/canvasd/config"
	"github.com/m4xw311/canvasd/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// globals carries what every subcommand needs: the flag-bound viper and
// the explicit config path.
type globals struct {
	v          *viper.Viper
	configPath string
	tracePath  string
	closers    []func() error
}

func newRootCmd() *cobra.Command {
	g := &globals{v: config.NewViper()}
	rootCmd := &cobra.Command{
		Use:           "canvasd",
		Short:         "canvasd runs AI agent instructions against documents",
		Long:          "canvasd serves the agent and writing-assistant API for canvas documents, and offers a local REPL, a streaming client and an MCP server over the same tools.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			for _, c := range g.closers {
				_ = c()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "config file applied after ~/.canvasd and ./.canvasd")
	flags.String("llm", "", "model provider: gemini, openai, anthropic, bedrock or mock")
	flags.String("model", "", "model name")
	flags.String("database", "", "SQLite database path")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.StringVar(&g.tracePath, "trace", "", "append a debug trace to this file")
	for key, name := range map[string]string{
		"llm":       "llm",
		"model":     "model",
		"database":  "database",
		"log.level": "log-level",
	} {
		_ = g.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(g),
		newReplCmd(g),
		newAskCmd(g),
		newCreditsCmd(g),
		newTokenCmd(g),
		newMCPCmd(g),
	)
	return rootCmd
}

// load reads the layered configuration and builds the logger.
func (g *globals) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := config.ApplyOverrides(cfg, g.v); err != nil {
		return nil, nil, err
	}
	logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
	if g.tracePath != "" {
		trace, err := logging.OpenTrace(g.tracePath)
		if err != nil {
			return nil, nil, err
		}
		g.closers = append(g.closers, trace.Close)
		logger = logging.Tee(logger, trace.Logger)
	}
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(Version + "\n"))
			return err
		},
	}
}

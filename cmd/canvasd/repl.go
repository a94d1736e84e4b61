package main

import (
	"fmt"
	"strings"

	"github.com/m4xw311/canvasd/agent/terminal"
	"github.com/m4xw311/canvasd/errors"
	"github.com/spf13/cobra"
)

func newReplCmd(g *globals) *cobra.Command {
	var (
		canvasID  string
		subject   string
		mode      string
		verbosity string
	)
	cmd := &cobra.Command{
		Use:   "repl [prompt...]",
		Short: "Edit a canvas interactively from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			termMode := terminal.Mode(mode)
			if termMode != terminal.ModeAuto && termMode != terminal.ModePrompt {
				return errors.New("invalid mode '%s', must be 'auto' or 'prompt'", mode)
			}
			level, err := terminal.ParseVerbosity(verbosity)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := wireApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.ensureCanvas(ctx, canvasID, subject, canvasID); err != nil {
				return err
			}
			if err := a.ensureAccount(ctx, subject); err != nil {
				return err
			}

			term := terminal.New(a.orch, subject, canvasID, cmd.InOrStdin(), cmd.OutOrStdout())
			term.Mode = termMode
			term.Verbosity = level
			fmt.Fprintf(cmd.OutOrStdout(), "canvasd is ready on canvas %s. Type your instruction.\n", canvasID)
			return term.Run(ctx, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&canvasID, "canvas", "c", "scratch", "canvas to edit; created if missing")
	cmd.Flags().StringVar(&subject, "subject", "local", "subject the requests are billed to")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(terminal.ModePrompt), "tool execution mode: auto or prompt")
	cmd.Flags().StringVar(&verbosity, "tool-verbosity", "none", "tool output: none, info or all")
	return cmd
}

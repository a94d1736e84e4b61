package main

import (
	"github.com/m4xw311/canvasd/tools/mcp"
	"github.com/spf13/cobra"
)

func newMCPCmd(g *globals) *cobra.Command {
	var canvasID, owner string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve one canvas's tools to an MCP client over stdio",
		Long:  "mcp exposes the canvas tools of the configured toolset as an MCP server on stdin/stdout. Tool calls are not billed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			a, err := wireStorage(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.ensureCanvas(cmd.Context(), canvasID, owner, canvasID); err != nil {
				return err
			}
			engine, err := wireEngine(cfg, a.store, logger)
			if err != nil {
				return err
			}
			srv, err := mcp.NewServer(engine, canvasID, logger)
			if err != nil {
				return err
			}
			logger.Info("serving MCP over stdio", "canvas_id", canvasID)
			return srv.ServeStdio(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&canvasID, "canvas", "c", "scratch", "canvas the tools operate on; created if missing")
	cmd.Flags().StringVar(&owner, "owner", "local", "owner of a newly created canvas")
	return cmd
}

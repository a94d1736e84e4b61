package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/m4xw311/canvasd/auth"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/server"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globals) *cobra.Command {
	var devSubject string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}

			var authenticator auth.Authenticator
			switch {
			case cfg.Auth.JWTSecret != "":
				authenticator, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience)
				if err != nil {
					return err
				}
			case devSubject != "":
				logger.Warn("authentication disabled, every request runs as the dev subject", "subject", devSubject)
				authenticator = auth.Static(devSubject)
			default:
				return errors.New("auth.jwt_secret is required (or pass --dev-subject for local use)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := wireApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(server.Deps{
				Orchestrator: a.orch,
				Instructor:   a.instr,
				Ledger:       a.ledger,
				Auth:         authenticator,
				Logger:       logger,
			}, cfg.AllowedOrigins)
			return srv.ListenAndServe(ctx, cfg.Listen)
		},
	}
	cmd.Flags().String("listen", "", "listen address")
	_ = g.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	cmd.Flags().StringVar(&devSubject, "dev-subject", "", "skip token checks and run every request as this subject")
	return cmd
}

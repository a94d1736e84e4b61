package main

import (
	"fmt"
	"time"

	"github.com/m4xw311/canvasd/auth"
	"github.com/spf13/cobra"
)

func newTokenCmd(g *globals) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issue an access token signed with auth.jwt_secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			v, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience)
			if err != nil {
				return err
			}
			token, err := v.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

package main

import (
	"fmt"
	"strconv"

	"github.com/m4xw311/canvasd/errors"
	"github.com/spf13/cobra"
)

func newCreditsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant credits",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "grant SUBJECT AMOUNT",
			Short: "Add credits to an account, opening it if needed",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return errors.New("invalid amount '%s'", args[1])
				}
				cfg, logger, err := g.load(cmd)
				if err != nil {
					return err
				}
				a, err := wireStorage(cfg, logger)
				if err != nil {
					return err
				}
				defer a.Close()
				balance, err := a.ledger.Grant(cmd.Context(), args[0], amount)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
				return err
			},
		},
		&cobra.Command{
			Use:   "balance SUBJECT",
			Short: "Print an account's balance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, logger, err := g.load(cmd)
				if err != nil {
					return err
				}
				a, err := wireStorage(cfg, logger)
				if err != nil {
					return err
				}
				defer a.Close()
				balance, err := a.ledger.Balance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
				return err
			},
		},
	)
	return cmd
}

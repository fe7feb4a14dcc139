package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/nutkeeper/internal/api"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the client version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nk %s (%s)\n", version, buildDate)
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "save an API token issued by walletd -issue-token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := tokenExpiry(args[0])
			if err != nil {
				return err
			}
			if err := saveToken(args[0], exp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func balanceCmd(c *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [mint]",
		Short: "show the total or one mint's balance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := &api.GetBalanceRequest{}
			if len(args) == 1 {
				req.Mint = args[0]
			}
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.GetBalance(ctx, req)
			})
		},
	}
}

func mintCmd(c *conn) *cobra.Command {
	cmd := &cobra.Command{Use: "mint", Short: "manage trusted mints"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <url>",
			Short: "trust a mint",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
					return cl.AddMint(ctx, &api.MintRequest{Mint: args[0]})
				})
			},
		},
		&cobra.Command{
			Use:   "remove <url>",
			Short: "stop trusting an empty mint",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
					return cl.RemoveMint(ctx, &api.MintRequest{Mint: args[0]})
				})
			},
		},
	)
	return cmd
}

func depositCmd(c *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <mint> <amount>",
		Short: "request a Lightning invoice that funds the wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.CreateDepositQuote(ctx, &api.CreateDepositQuoteRequest{Mint: args[0], Amount: amount})
			})
		},
	}
}

func claimCmd(c *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "claim <quote-id>",
		Short: "claim the ecash of a paid deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.CompleteDeposit(ctx, &api.CompleteDepositRequest{QuoteID: args[0]})
			})
		},
	}
}

func sendCmd(c *conn) *cobra.Command {
	var memo string
	cmd := &cobra.Command{
		Use:   "send <mint> <amount>",
		Short: "create a token worth amount",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.SendAmount(ctx, &api.SendAmountRequest{Mint: args[0], Amount: amount, Memo: memo})
			})
		},
	}
	cmd.Flags().StringVar(&memo, "memo", "", "memo carried in the token")
	return cmd
}

func receiveCmd(c *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "receive <token|->",
		Short: "redeem a token; - reads it from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := readTokenArg(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.ReceiveToken(ctx, &api.ReceiveTokenRequest{Token: tok})
			})
		},
	}
}

func payCmd(c *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "pay <mint> <invoice>",
		Short: "pay a Lightning invoice",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.PayInvoice(ctx, &api.PayInvoiceRequest{Mint: args[0], Invoice: args[1]})
			})
		},
	}
}

func zapCmd(c *conn) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "zap <recipient-pubkey> <amount>",
		Short: "send a nutzap",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			recipient, err := parsePubkey(args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.SendNutzap(ctx, &api.SendNutzapRequest{Recipient: recipient, Amount: amount, Note: note})
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note for the recipient")
	return cmd
}

func inboxCmd(c *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "redeem inbound nutzaps now",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.ProcessNutzaps(ctx, &api.Empty{})
			})
		},
	}
}

func historyCmd(c *conn) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "list spending history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if limit < 0 {
				return fmt.Errorf("limit must not be negative")
			}
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.GetHistory(ctx, &api.GetHistoryRequest{Limit: limit})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries (0 = all)")
	return cmd
}

func reconcileCmd(c *conn) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "rebuild balances from records and mint state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return c.run(func(ctx context.Context, cl *api.Client) (any, error) {
				return cl.Reconcile(ctx, &api.Empty{})
			})
		},
	}
}

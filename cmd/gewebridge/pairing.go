package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gewebridge/internal/security"
	"gewebridge/internal/store"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Review and approve DM pairing requests",
	}
	var account string
	cmd.PersistentFlags().StringVar(&account, "account", "", "account id (default: gewe.accountId from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairing(account, func(ctx context.Context, ps *security.PairingService, acct string) error {
				reqs, err := ps.List(ctx, acct)
				if err != nil {
					return err
				}
				if len(reqs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending pairing requests.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CODE\tSENDER\tNAME\tREQUESTED")
				for _, r := range reqs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Code, r.SenderID, r.SenderName, r.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "approve [code]",
		Short: "Approve a pairing code and allow its sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairing(account, func(ctx context.Context, ps *security.PairingService, acct string) error {
				approver, _ := os.Hostname()
				pr, err := ps.Approve(ctx, acct, args[0], "cli@"+approver)
				if errors.Is(err, security.ErrUnknownCode) {
					return fmt.Errorf("no pending request for code %s (it may have expired)", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (%s).\n", pr.SenderID, pr.SenderName)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke [senderId]",
		Short: "Remove a sender approved through pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			acct := account
			if acct == "" {
				acct = cfg.Gewe.AccountID
			}
			if err := st.RemoveAllowFrom(cmd.Context(), acct, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s.\n", args[0])
			return nil
		},
	})

	return cmd
}

func withPairing(account string, fn func(ctx context.Context, ps *security.PairingService, account string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	if account == "" {
		account = cfg.Gewe.AccountID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, security.NewPairingService(security.PairingConfig{Store: st, Logger: logger}), account)
}

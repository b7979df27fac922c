package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tickwire/tickwire/internal/auth"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and manage the stored OAuth token",
	}
	cmd.AddCommand(tokenShowCmd())
	cmd.AddCommand(tokenRefreshCmd())
	cmd.AddCommand(tokenClearCmd())
	return cmd
}

func tokenShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored token's expiry and scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.NewStore().Load()
			if err != nil {
				return err
			}
			if tok == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No token stored. Run `tickwire authorize` first.")
				return nil
			}
			status := "valid"
			if !tok.Valid() {
				status = "expired"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status:  %s\nExpires: %s\nScope:   %s\nRefresh: %v\n",
				status, tok.ExpiresAt.Format(time.RFC3339), tok.Scope, tok.RefreshToken != "")
			return nil
		},
	}
}

func tokenRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored refresh token for a new access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := resolveLogger(cmd)
			cfg, err := resolveAuthConfig(cmd, nil, logger)
			if err != nil {
				return err
			}

			store := auth.NewStore()
			tok, err := store.Load()
			if err != nil {
				return err
			}
			if tok == nil {
				return fmt.Errorf("no token stored; run `tickwire authorize` first")
			}

			manager := auth.NewManager(cfg)
			manager.SetCurrent(*tok)
			fresh, err := manager.Refresh(cmd.Context(), "")
			if err != nil {
				return err
			}
			if err := store.Save(fresh); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Refreshed. Token expires %s.\n", fresh.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	addAuthFlags(cmd)
	return cmd
}

func tokenClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored token from the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := auth.NewStore().Delete(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed.")
			return nil
		},
	}
}

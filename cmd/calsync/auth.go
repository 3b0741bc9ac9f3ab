package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/beekhof/calensync/internal/auth"
	"github.com/beekhof/calensync/internal/config"
)

var authManual bool

var authCmd = &cobra.Command{
	Use:   "auth <account>",
	Short: "Authorize a Google account",
	Long: `Runs the OAuth consent flow for the named Google account and stores the
token at the account's token_path. Calendars of the account that were paused
after their credentials were revoked are resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runAuth,
}

func init() {
	authCmd.Flags().BoolVar(&authManual, "manual", false, "paste the authorization code instead of using a local callback server")
	rootCmd.AddCommand(authCmd)
}

func runAuth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, ok := a.cfg.Account(args[0])
	if !ok {
		return fmt.Errorf("account %q is not configured", args[0])
	}
	if acct.Type != config.AccountGoogle {
		return fmt.Errorf("account %q is a %s account; only Google accounts use OAuth", acct.Name, acct.Type)
	}

	oauthConfig, err := googleOAuthConfig(a.cfg)
	if err != nil {
		return err
	}
	tokens := auth.NewFileTokenStore(acct.TokenPath)
	if authManual {
		_, err = auth.AuthorizeWithReader(ctx, oauthConfig, tokens, os.Stdin, cmd.OutOrStdout())
	} else {
		_, err = auth.Authorize(ctx, oauthConfig, tokens, cmd.OutOrStdout())
	}
	if err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	nodes, err := a.repo.ListCalendarsByAccount(ctx, acct.Name)
	if err != nil {
		return fmt.Errorf("failed to list calendars: %w", err)
	}
	for _, node := range nodes {
		if !node.IsPaused() {
			continue
		}
		node.Paused = time.Time{}
		if err := a.repo.SaveCalendar(ctx, node); err != nil {
			return fmt.Errorf("failed to resume calendar %s: %w", node.ID, err)
		}
		cmd.Printf("Resumed calendar %s\n", node)
	}

	cmd.Printf("Account %s authorized.\n", acct.Name)
	return nil
}

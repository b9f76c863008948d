package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omochice/docmux/internal/relay"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed relay credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("jwt-secret is required to sign credentials")
		}
		subject, _ := cmd.Flags().GetString("subject")
		channels, _ := cmd.Flags().GetStringSlice("channel")

		token, err := relay.IssueToken([]byte(cfg.JWTSecret), subject, channels, cfg.TokenTTL())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "anonymous", "subject the credential is issued to")
	tokenCmd.Flags().StringSlice("channel", nil, "channel token prefix the holder may subscribe to, repeatable; none allows all")
}

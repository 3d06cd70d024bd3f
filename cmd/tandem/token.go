package main

import (
	"errors"
	"fmt"
	"time"

	relay "github.com/aretw0/tandem/pkg/adapters/http"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a relay access token",
	Long:  `Signs a JWT with the configured auth.jwt_secret. Without --doc the token grants access to every document.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is not configured")
		}

		var key domain.DocumentKey
		if doc, _ := cmd.Flags().GetString("doc"); doc != "" {
			if key, err = domain.ParseDocumentKey(doc); err != nil {
				return err
			}
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")

		token, err := relay.NewAuthenticator([]byte(cfg.Auth.JWTSecret)).Issue(args[0], key, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("doc", "", "Restrict the token to one document (objectType:objectId)")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}

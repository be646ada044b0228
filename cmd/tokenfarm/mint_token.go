package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/config"
)

func newMintTokenCommand() *cobra.Command {
	var (
		identity auth.Identity
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a session token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSigningSecret),
				Issuer:        appConfig.SessionIssuerOrDefault(),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "Subject of the token")
	cmd.Flags().StringVar(&identity.Email, "email", "", "Email claim")
	cmd.Flags().StringVar(&identity.DisplayName, "name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/client"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/history"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

func newSyncCommand() *cobra.Command {
	var (
		serverURL  string
		token      string
		owner      string
		historyDir string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile a local history directory with the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(owner) == "" {
				return fmt.Errorf("--owner is required")
			}
			logger, err := logging.NewLogger(viper.GetString("log.level"), "console")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			backend, err := history.NewFileBackend(historyDir)
			if err != nil {
				return err
			}
			store, err := history.NewStore(history.StoreConfig{Backend: backend, Logger: logger})
			if err != nil {
				return err
			}
			remote, err := client.New(client.Config{BaseURL: serverURL, Token: token})
			if err != nil {
				return err
			}
			session, err := client.NewSession(client.SessionConfig{Store: store, Remote: remote, Logger: logger})
			if err != nil {
				return err
			}

			ctx, cancel := contextWithTimeout(cmd, timeout)
			defer cancel()

			results, err := session.AuthChanged(ctx, owner)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bucket %s\n", store.Bucket())
			for _, variant := range records.AllVariants {
				result := results[variant]
				fmt.Fprintf(out, "%-16s merged=%d conflicts=%d rejected=%d\n",
					variant, len(result.Merged), len(result.Conflicts), len(result.Rejected))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "API base URL")
	cmd.Flags().StringVar(&token, "token", "", "Session token sent as a bearer credential")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner whose history bucket is reconciled")
	cmd.Flags().StringVar(&historyDir, "history-dir", "history", "Directory holding local history files")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout for the reconciliation")
	return cmd
}

func contextWithTimeout(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

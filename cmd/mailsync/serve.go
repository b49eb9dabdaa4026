package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/migrations"
)

func newServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the sync engine and the action queue drainer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.CloseConnection(pool)

			logger := logging.New(cfg, "server")
			if migrate {
				n, err := migrations.Apply(ctx, pool)
				if err != nil {
					return err
				}
				logger.Info("Applied migrations", slog.Int("count", n))
			}

			a, err := newApp(cfg, pool, logger)
			if err != nil {
				return err
			}
			defer a.close()

			logger.Info("mailsync starting", slog.String("environment", cfg.Environment))
			return a.run(ctx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before starting")
	return cmd
}

func newSyncCommand() *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass for one account and print its folder states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.CloseConnection(pool)

			a, err := newApp(cfg, pool, logging.New(cfg, "sync"))
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.SyncAccount(ctx, accountID); err != nil {
				return err
			}
			if _, err := a.drainer.DrainAccount(ctx, accountID); err != nil {
				return err
			}

			states, err := db.ListFolderStates(ctx, pool, accountID)
			if err != nil {
				return err
			}
			printFolderStates(cmd, states)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func printFolderStates(cmd *cobra.Command, states []*models.FolderState) {
	out := cmd.OutOrStdout()
	for _, s := range states {
		_, _ = fmt.Fprintf(out, "%-30s %-8s uids %d..%d\n", s.FolderName, s.SyncStatus, s.LowestUID, s.HighestUID)
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.CloseConnection(pool)

			n, err := migrations.Apply(ctx, pool)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", n)
			return nil
		},
	}
}

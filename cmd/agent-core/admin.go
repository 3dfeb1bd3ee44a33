package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xiy/agent-core/internal/admin"
	"github.com/xiy/agent-core/internal/store"
)

func newAdminCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "admin",
		Short: "Open the terminal dashboard over the memory database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger := log.New(os.Stderr)
			st, err := store.OpenSQLite(cmd.Context(), cfg.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return admin.Run(ctx, st, cfg.ServerName)
		},
	}
}

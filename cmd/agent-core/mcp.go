package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiy/agent-core/internal/mcp"
	"github.com/xiy/agent-core/internal/memory"
	"github.com/xiy/agent-core/internal/store"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve memory maintenance tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			logger := newLogger(os.Stderr, cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			st, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := memory.NewService(st, cfg, nil, logger)
			server := mcp.NewServer(svc, logger, st, cfg.ServerName, version)
			logger.Info("starting MCP stdio server", "db", cfg.DBPath)
			err = server.Serve(ctx, os.Stdin, os.Stdout)
			snap := server.Snapshot()
			logger.Info("MCP server stopped", "requests", snap["requests"], "errors", snap["errors"])
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

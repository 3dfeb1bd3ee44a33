package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiy/agent-core/internal/acp"
	"github.com/xiy/agent-core/internal/dispatch"
	"github.com/xiy/agent-core/internal/httpapi"
	"github.com/xiy/agent-core/internal/maintenance"
	"github.com/xiy/agent-core/internal/memory"
	"github.com/xiy/agent-core/internal/orchestrator"
	"github.com/xiy/agent-core/internal/registry"
	"github.com/xiy/agent-core/internal/router"
	"github.com/xiy/agent-core/internal/session"
	"github.com/xiy/agent-core/internal/store"
	"github.com/xiy/agent-core/pkg/types"
)

func newServeCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides listen_addr)")
	return cmd
}

func runServe(parent context.Context, configPath, addr string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}
	logger := newLogger(os.Stderr, cfg)

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.OpenSQLite(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, err := session.OpenBadger(cfg.SessionDir)
	if err != nil {
		return err
	}
	defer backend.Close()

	reg := registry.New(nil, cfg.HeartbeatTimeout(), logger.WithPrefix("registry"))
	disp := dispatch.New(reg, nil, cfg.DispatchTimeout(), cfg.Dispatch.CallPath, logger.WithPrefix("dispatch"))
	rt := router.New(cfg.Router.Buffer, nil, logger.WithPrefix("router"))
	mem := memory.NewService(st, cfg, nil, logger.WithPrefix("memory"))
	sessions := session.NewStore(backend, cfg.Session, nil, logger.WithPrefix("session"))

	orch := orchestrator.New(orchestrator.Deps{
		Model:      buildModel(ctx, cfg.LLM, os.Getenv, logger),
		Sessions:   sessions,
		Memories:   mem,
		Tools:      reg,
		Dispatcher: disp,
		Events:     rt,
	}, cfg, nil, logger.WithPrefix("orchestrator"))
	defer orch.Shutdown()

	go registry.NewMonitor(reg, nil, cfg.SweepInterval(), logger.WithPrefix("monitor")).Run(ctx)
	go maintenance.Start(ctx, logger.WithPrefix("maintenance"), maintenance.Options{
		Interval: cfg.MaintenanceInterval(),
		MaxAge:   cfg.ArchiveAfter(),
	}, mem)

	info := types.AgentInfo{
		Name:         cfg.ACP.AgentName,
		Version:      version,
		Capabilities: []string{"chat", "tools", "memory", "push"},
	}
	srv := httpapi.New(httpapi.Deps{
		Registry:     reg,
		Dispatcher:   disp,
		Router:       rt,
		Orchestrator: orch,
		Memory:       mem,
		Sessions:     sessions,
		Peers:        acp.New(nil, cfg.ConnectTimeout(), nil, logger.WithPrefix("acp")),
		RequestLog:   st,
		Config:       cfg,
	}, info, logger.WithPrefix("http"))

	logger.Info("starting control plane", "addr", cfg.ListenAddr, "db", cfg.DBPath, "sessions", cfg.SessionDir, "provider", cfg.LLM.Provider)
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

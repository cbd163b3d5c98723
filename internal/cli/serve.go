package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/agent"
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/provider/openai"
	"loom/internal/server"
	"loom/internal/skills"
	"loom/internal/storage"
	"loom/internal/supervise"
	"loom/internal/tools"
	"loom/internal/tools/builtin"
	"loom/pkg/logger"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Loom server",
		Long: `Start the HTTP server exposing session operations and a websocket
event stream. Sessions started through the API persist their logs and
appear in the session index across restarts.`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.GetConfig()
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}

	broker := bus.New()
	prov := openai.New(cfg.OpenAI)

	registry := tools.NewRegistry()
	builtin.RegisterAll(registry)

	var skillMgr *skills.Manager
	if cfg.Features.Skills && cfg.Skills.Dir != "" {
		dir, err := config.ExpandPath(cfg.Skills.Dir)
		if err != nil {
			return err
		}
		skillMgr = skills.NewManager(dir, broker)
		if err := skillMgr.LoadAll(); err != nil {
			logger.Warn().Err(err).Msg("skill scan failed")
		}
		if cfg.Skills.Watch {
			if err := skillMgr.Watch(); err != nil {
				logger.Warn().Err(err).Msg("skill watcher failed to start")
			}
		}
		defer skillMgr.Close()
	}

	var index *storage.DB
	if cfg.Storage.Path != "" {
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open session index: %w", err)
		}
		defer db.Close()
		index = db
	}

	sessionsDir, err := config.DefaultSessionsDir()
	if err != nil {
		return err
	}

	mgr := supervise.NewManager(supervise.Options{
		Agent:       cfg.Agent,
		Compact:     cfg.Compact,
		Features:    cfg.Features,
		SessionsDir: sessionsDir,
		Index:       index,
		Skills:      skillMgr,
	}, prov, registry, broker)

	// sub_agent needs the manager's defaults but runs its children
	// directly over the shared registry and bus.
	if cfg.Features.SubAgents {
		registry.MustRegister(agent.NewSubAgentTool(agent.Config{
			Model:         cfg.Agent.Model,
			WorkingDir:    cfg.Agent.WorkingDir,
			ContextWindow: cfg.Agent.ContextWindow,
			MaxTokens:     cfg.Agent.MaxTokens,
		}, prov, registry, broker))
	}

	mgr.Start()
	defer mgr.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, mgr, broker)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

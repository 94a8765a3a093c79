package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"macotron/internal/backup"
	"macotron/internal/config"
	"macotron/internal/llm"
	"macotron/internal/logging"
	"macotron/internal/modules"
	"macotron/internal/script"
	"macotron/internal/server"
	"macotron/internal/snippet"
	"macotron/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the macotron daemon (runtime, watcher, debug server)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// runDaemon wires the whole core together and blocks until shutdown.
func runDaemon(ctx context.Context) error {
	p := paths()
	if err := p.EnsureLayout(); err != nil {
		return err
	}

	cfg, err := config.Load(p.Root)
	if err != nil {
		return err
	}
	if err := logging.Initialize(p.Root, cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
		return err
	}
	defer logging.Close()

	st, err := store.Open(p.DataFile())
	if err != nil {
		return err
	}
	defer st.Close()

	rt := script.New()
	registry := script.NewRegistry()
	registry.MustAdd(modules.NewStorageModule(st))
	registry.MustAdd(modules.NewShellModule())
	rt.SetRegistry(registry)
	if err := rt.RegisterModules(); err != nil {
		return err
	}

	backups := backup.NewManager(p.Root, p.BackupsDir(), cfg.Backup.MaxAgeDays, cfg.Backup.MaxCount)
	if err := backups.Prune(); err != nil {
		logger.Warn("backup prune failed", zap.Error(err))
	}

	manager := snippet.NewManager(rt, p)
	if cfg.Snippets.AutoFix && cfg.LLM.APIKey != "" {
		client, err := newProvider(cfg)
		if err != nil {
			logger.Warn("auto-fix disabled", zap.Error(err))
		} else {
			cooldown := time.Duration(cfg.Snippets.AutoFixCooldownMin) * time.Minute
			manager.SetAutoFixer(snippet.NewAutoFixer(client, func() error {
				_, err := backups.Backup()
				return err
			}, busNotifier{rt}, cooldown))
		}
	}

	if err := manager.Reload(ctx); err != nil {
		return err
	}

	watcher, err := snippet.NewWatcher(manager, p, time.Duration(cfg.Snippets.WatchDebounceMs)*time.Millisecond)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Server.Enabled {
		srv, err := server.New(cfg.Server.Addr, rt, manager, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Start(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	logger.Info("macotron running",
		zap.String("config", p.Root),
		zap.Int("snippets", len(manager.Snippets())))
	return g.Wait()
}

func newProvider(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "gemini", "":
		timeout, _ := time.ParseDuration(cfg.LLM.Timeout)
		return llm.NewGeminiClient(cfg.LLM.APIKey, cfg.LLM.Model, timeout)
	}
	return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLM.Provider)
}

// busNotifier surfaces auto-fix outcomes to scripts as runtime events, so
// a snippet can subscribe and raise a user notification.
type busNotifier struct {
	rt *script.Runtime
}

func (n busNotifier) FixApplied(path string) {
	n.rt.Bus().Emit("snippet:fixed", map[string]interface{}{"path": path})
}

func (n busNotifier) FixRefused(r snippet.Refusal) {
	n.rt.Bus().Emit("snippet:fixRefused", map[string]interface{}{"path": r.Path, "reason": r.Reason})
}

func (n busNotifier) FixExhausted(path, lastErr string) {
	n.rt.Bus().Emit("snippet:fixFailed", map[string]interface{}{"path": path, "error": lastErr})
}

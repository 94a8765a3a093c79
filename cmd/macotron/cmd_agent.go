package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"macotron/internal/agent"
	"macotron/internal/backup"
	"macotron/internal/config"
	"macotron/internal/logging"
	"macotron/internal/modules"
	"macotron/internal/script"
	"macotron/internal/snippet"
	"macotron/internal/store"
)

var agentCmd = &cobra.Command{
	Use:   "agent <intent>",
	Short: "Run one agent session against the config directory",
	Long: `Plans tool calls for the given intent, applies them with backup and
reload, validates the result and repairs or rolls back on failure. A running
daemon picks the changed files up through its watcher.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd, strings.Join(args, " "))
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, intent string) error {
	p := paths()
	if err := p.EnsureLayout(); err != nil {
		return err
	}
	cfg, err := config.Load(p.Root)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("no API key configured (set llm.api_key or MACOTRON_API_KEY)")
	}
	if err := logging.Initialize(p.Root, cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
		return err
	}
	defer logging.Close()

	client, err := newProvider(cfg)
	if err != nil {
		return err
	}

	// The session validates against a private runtime; the daemon's own
	// runtime reloads from disk once the watcher sees the writes.
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

	manager := snippet.NewManager(rt, p)
	if err := manager.Reload(cmd.Context()); err != nil {
		return err
	}

	backups := backup.NewManager(p.Root, p.BackupsDir(), cfg.Backup.MaxAgeDays, cfg.Backup.MaxCount)
	session := agent.NewSession(client, manager, backups, p, intent)

	result, err := session.Run(cmd.Context())
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if result.State != agent.StateDone {
		return fmt.Errorf("session %s: %s", result.State, result.Reason)
	}
	return nil
}

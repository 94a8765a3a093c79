package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"macotron/internal/backup"
	"macotron/internal/config"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup archive of the config directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}
		archive, err := m.Backup()
		if err != nil {
			return err
		}
		fmt.Println(archive)
		return m.Prune()
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [archive]",
	Short: "Restore the config directory from an archive (latest by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := backupManager()
		if err != nil {
			return err
		}

		var archive string
		if len(args) == 1 {
			archive = args[0]
		} else {
			archive, err = m.Latest()
			if err != nil {
				return err
			}
			if archive == "" {
				return fmt.Errorf("no backups found")
			}
		}

		if err := m.Restore(archive); err != nil {
			return err
		}
		fmt.Printf("restored %s\n", filepath.Base(archive))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd, restoreCmd)
}

func backupManager() (*backup.Manager, error) {
	p := paths()
	if err := p.EnsureLayout(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(p.Root)
	if err != nil {
		return nil, err
	}
	return backup.NewManager(p.Root, p.BackupsDir(), cfg.Backup.MaxAgeDays, cfg.Backup.MaxCount), nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths describes the persisted layout of the config root:
//
//	<root>/config.yaml   editable configuration
//	<root>/init.js       configuration script, evaluated before snippets
//	<root>/snippets/     ordered automation snippets (NNN-name.js)
//	<root>/commands/     user-invokable command scripts
//	<root>/data.db       persistent key-value store
//	<root>/backups/      timestamped compressed archives
//	<root>/logs/         categorized debug logs
type Paths struct {
	Root string
}

// DefaultRoot returns ~/.macotron, or the MACOTRON_HOME override.
func DefaultRoot() string {
	if root := os.Getenv("MACOTRON_HOME"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".macotron"
	}
	return filepath.Join(home, ".macotron")
}

// NewPaths returns the layout rooted at dir.
func NewPaths(dir string) Paths {
	return Paths{Root: dir}
}

func (p Paths) ConfigFile() string  { return filepath.Join(p.Root, "config.yaml") }
func (p Paths) InitScript() string  { return filepath.Join(p.Root, "init.js") }
func (p Paths) SnippetsDir() string { return filepath.Join(p.Root, "snippets") }
func (p Paths) CommandsDir() string { return filepath.Join(p.Root, "commands") }
func (p Paths) DataFile() string    { return filepath.Join(p.Root, "data.db") }
func (p Paths) BackupsDir() string  { return filepath.Join(p.Root, "backups") }
func (p Paths) LogsDir() string     { return filepath.Join(p.Root, "logs") }

// EnsureLayout creates the directories the core expects to exist.
func (p Paths) EnsureLayout() error {
	for _, dir := range []string{p.Root, p.SnippetsDir(), p.CommandsDir(), p.BackupsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

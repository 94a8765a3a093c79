// Package snippet discovers, orders, loads, isolates and reloads the
// automation script files in the config directory, and drives the auto-fix
// path for snippets that fail to load.
package snippet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"macotron/internal/config"
	"macotron/internal/logging"
	"macotron/internal/script"
)

// Status is a snippet's load state.
type Status string

const (
	StatusLoaded  Status = "loaded"
	StatusFailed  Status = "failed"
	StatusFixed   Status = "fixed"  // failed, then repaired by the AI provider
	StatusSkipped Status = "skipped" // auto-fix refused or rate-limited
)

// Snippet is one automation script file. Identity is the file path; files
// are reloaded wholesale, never diffed.
type Snippet struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`
}

// ErrReloadInProgress is returned when a reload trigger was absorbed by a
// reload already running.
var ErrReloadInProgress = errors.New("reload already in progress")

// Manager owns the snippet load cycle. Reload is non-reentrant: concurrent
// triggers are absorbed into one follow-up pass rather than interleaved.
type Manager struct {
	rt    *script.Runtime
	paths config.Paths
	fixer *AutoFixer // nil disables auto-fix

	mu        sync.Mutex
	snippets  map[string]*Snippet
	order     []string
	reloading bool
	pending   bool
}

// NewManager creates a manager for the given runtime and layout.
func NewManager(rt *script.Runtime, paths config.Paths) *Manager {
	return &Manager{
		rt:       rt,
		paths:    paths,
		snippets: make(map[string]*Snippet),
	}
}

// SetAutoFixer enables AI repair of failed snippets.
func (m *Manager) SetAutoFixer(fixer *AutoFixer) { m.fixer = fixer }

// Reload performs the full teardown-and-reload cycle: cancel timers, remove
// listeners, clear commands, reset the context, re-register modules, re-run
// the configuration script and every snippet and command file in order.
// While a reload runs, further calls set a pending flag and return
// ErrReloadInProgress; the running reload loops until no trigger is
// pending.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	if m.reloading {
		m.pending = true
		m.mu.Unlock()
		return ErrReloadInProgress
	}
	m.reloading = true
	m.mu.Unlock()

	var err error
	for {
		err = m.reloadOnce(ctx)

		m.mu.Lock()
		if !m.pending {
			m.reloading = false
			m.mu.Unlock()
			return err
		}
		m.pending = false
		m.mu.Unlock()
	}
}

func (m *Manager) reloadOnce(ctx context.Context) error {
	logging.Snippets("reload started")

	if err := m.rt.Reset(); err != nil {
		return fmt.Errorf("context reset failed: %w", err)
	}

	loaded := make(map[string]*Snippet)
	var order []string

	// Configuration script first: snippets may read macotron.get() values
	// it sets.
	if src, err := os.ReadFile(m.paths.InitScript()); err == nil {
		snip := m.loadOne(ctx, m.paths.InitScript(), string(src))
		loaded[snip.Path] = snip
		order = append(order, snip.Path)
	}

	for _, dir := range []string{m.paths.SnippetsDir(), m.paths.CommandsDir()} {
		files, err := discover(dir)
		if err != nil {
			return err
		}
		for _, path := range files {
			src, err := os.ReadFile(path)
			if err != nil {
				loaded[path] = &Snippet{Path: path, Status: StatusFailed, Error: err.Error()}
				order = append(order, path)
				continue
			}
			snip := m.loadOne(ctx, path, string(src))
			loaded[snip.Path] = snip
			order = append(order, snip.Path)
		}
	}

	m.mu.Lock()
	m.snippets = loaded
	m.order = order
	m.mu.Unlock()

	failed := 0
	for _, snip := range loaded {
		if snip.Status == StatusFailed {
			failed++
		}
	}
	logging.Snippets("reload finished: %d file(s), %d failed", len(order), failed)
	return nil
}

// loadOne evaluates a single file. A file that throws is marked failed and
// does not stop its siblings; the auto-fixer gets a chance to repair it.
func (m *Manager) loadOne(ctx context.Context, path, source string) *Snippet {
	snip := &Snippet{
		Path:        path,
		Description: extractDescription(source),
		Status:      StatusLoaded,
	}

	if _, err := m.rt.Evaluate(filepath.Base(path), source); err != nil {
		snip.Status = StatusFailed
		snip.Error = err.Error()
		logging.Get(logging.CategorySnippets).Error("load failed: %s: %v", filepath.Base(path), err)

		if m.fixer != nil {
			m.fixer.Fix(ctx, m.rt, snip, source)
		}
		return snip
	}

	logging.SnippetsDebug("loaded %s", filepath.Base(path))
	return snip
}

// discover returns the .js files in dir sorted by filename in lexicographic
// order. Numeric prefixes (001-, 002-) are the user-visible sequencing
// mechanism, so this ordering is load-bearing.
func discover(dir string) ([]string, error) {
	files, err := doublestar.FilepathGlob(filepath.Join(dir, "*.js"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// extractDescription returns the text of a leading "// description: ..."
// comment, used by list_snippets and the debug surface.
func extractDescription(source string) string {
	for _, line := range strings.SplitN(source, "\n", 10) {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "// description:"); ok {
			return strings.TrimSpace(rest)
		}
		if trimmed != "" && !strings.HasPrefix(trimmed, "//") {
			break
		}
	}
	return ""
}

// Snippets returns the load results of the last cycle in load order.
func (m *Manager) Snippets() []Snippet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snippet, 0, len(m.order))
	for _, path := range m.order {
		if snip, ok := m.snippets[path]; ok {
			out = append(out, *snip)
		}
	}
	return out
}

// Failed returns the snippets that ended the last cycle in StatusFailed.
func (m *Manager) Failed() []Snippet {
	var out []Snippet
	for _, snip := range m.Snippets() {
		if snip.Status == StatusFailed {
			out = append(out, snip)
		}
	}
	return out
}

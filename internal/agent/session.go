// Package agent orchestrates the plan -> execute -> validate -> repair ->
// rollback control loop that lets the AI provider modify the config
// directory without ever leaving it in a partially-broken state.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sergi/go-diff/diffmatchpatch"

	"macotron/internal/backup"
	"macotron/internal/config"
	"macotron/internal/llm"
	"macotron/internal/logging"
	"macotron/internal/review"
	"macotron/internal/snippet"
)

// State is the session's position in the control loop.
type State string

const (
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateValidating State = "validating"
	StateRepairing  State = "repairing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// maxRepairAttempts bounds the repair loop; exhaustion rolls the config
// directory back to the pre-session backup.
const maxRepairAttempts = 2

// Result reports a finished session to the caller.
type Result struct {
	SessionID  string     `json:"session_id"`
	Topic      string     `json:"topic"`
	State      State      `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	RolledBack bool       `json:"rolled_back,omitempty"`
	Transcript []ToolCall `json:"transcript"`
}

// Session drives one user intent through the control loop.
type Session struct {
	id      string
	topic   string
	state   State
	client  llm.Client
	manager *snippet.Manager
	backups *backup.Manager
	paths   config.Paths

	preBackup  string   // archive taken before the first mutation
	changed    []string // files written or deleted this session
	transcript []ToolCall
	repairs    int
}

// NewSession creates a session for one intent.
func NewSession(client llm.Client, manager *snippet.Manager, backups *backup.Manager, paths config.Paths, topic string) *Session {
	return &Session{
		id:      ulid.Make().String(),
		topic:   topic,
		state:   StatePlanning,
		client:  client,
		manager: manager,
		backups: backups,
		paths:   paths,
	}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Run executes the full control loop and always returns a Result; the
// error is non-nil only for infrastructure failures the loop itself could
// not absorb (e.g. the rollback backup could not be taken).
func (s *Session) Run(ctx context.Context) (*Result, error) {
	logging.Agent("session %s started: %s", s.id, s.topic)

	// The pre-session backup is the rollback anchor. Without it no
	// mutation may proceed.
	archive, err := s.backups.Backup()
	if err != nil {
		s.state = StateFailed
		return s.result("pre-session backup failed: " + err.Error()), err
	}
	s.preBackup = archive

	plan, err := s.plan(ctx)
	if err != nil {
		s.state = StateFailed
		return s.result("planning failed: " + err.Error()), nil
	}

	s.state = StateExecuting
	if refusal := s.execute(ctx, plan); refusal != "" {
		return s.fail(refusal), nil
	}

	s.state = StateValidating
	for {
		broken := s.brokenChanged()
		if len(broken) == 0 {
			s.state = StateDone
			logging.Agent("session %s done (%d tool calls, %d repairs)", s.id, len(s.transcript), s.repairs)
			return s.result(""), nil
		}
		if s.repairs >= maxRepairAttempts {
			return s.fail(fmt.Sprintf("repair attempts exhausted; still broken: %s", strings.Join(broken, ", "))), nil
		}

		s.state = StateRepairing
		s.repairs++
		if refusal := s.repair(ctx, broken); refusal != "" {
			return s.fail(refusal), nil
		}
		s.state = StateValidating
	}
}

// plan asks the provider for a short ordered list of tool calls.
func (s *Session) plan(ctx context.Context) ([]ToolCall, error) {
	snippets, _ := json.Marshal(s.manager.Snippets())
	raw, err := s.client.Complete(ctx, planSystemPrompt, planUserPrompt(s.topic, string(snippets)))
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlan(llm.StripFences(raw))
	if err != nil {
		return nil, err
	}
	logging.Agent("session %s planned %d tool call(s)", s.id, len(plan))
	return plan, nil
}

// execute applies the plan in order. A non-empty return is a structured
// refusal that terminates the session.
func (s *Session) execute(ctx context.Context, plan []ToolCall) string {
	for _, call := range plan {
		refusal := s.dispatch(ctx, &call)
		s.transcript = append(s.transcript, call)
		if refusal != "" {
			return refusal
		}
		if call.Err != "" {
			// Tool-level failures are not refusals; validation and
			// repair deal with what they broke.
			logging.Get(logging.CategoryAgent).Warn("tool call %s (%s) failed: %s", call.ID, call.Kind, call.Err)
		}
	}
	return ""
}

// dispatch runs one tool call, enforcing the backup-then-apply-then-reload
// obligation on every mutating kind and the pre-activation capability gate
// on every write.
func (s *Session) dispatch(ctx context.Context, call *ToolCall) string {
	logging.Agent("tool call %s: %s %v", call.ID, call.Kind, call.Args)

	switch call.Kind {
	case ToolReadSnippet:
		path, err := s.snippetPath(stringArg(*call, "path"))
		if err != nil {
			call.Err = err.Error()
			return ""
		}
		data, err := os.ReadFile(path)
		if err != nil {
			call.Err = err.Error()
			return ""
		}
		call.Result = string(data)

	case ToolListSnippets:
		data, _ := json.Marshal(s.manager.Snippets())
		call.Result = string(data)

	case ToolReadConfig:
		data, err := os.ReadFile(s.paths.InitScript())
		if err != nil && !os.IsNotExist(err) {
			call.Err = err.Error()
			return ""
		}
		call.Result = string(data)

	case ToolWriteSnippet:
		path, err := s.snippetPath(stringArg(*call, "path"))
		if err != nil {
			call.Err = err.Error()
			return ""
		}
		source := stringArg(*call, "source")
		if refusal := s.gate(path, source); refusal != "" {
			return refusal
		}
		if err := s.applyWrite(ctx, path, source); err != nil {
			call.Err = err.Error()
			return ""
		}

	case ToolDeleteSnippet:
		path, err := s.snippetPath(stringArg(*call, "path"))
		if err != nil {
			call.Err = err.Error()
			return ""
		}
		if err := s.applyMutation(ctx, path, func() error { return os.Remove(path) }); err != nil {
			call.Err = err.Error()
			return ""
		}

	case ToolWriteConfig:
		source := stringArg(*call, "source")
		if refusal := s.gate(s.paths.InitScript(), source); refusal != "" {
			return refusal
		}
		if err := s.applyWrite(ctx, s.paths.InitScript(), source); err != nil {
			call.Err = err.Error()
			return ""
		}
	}
	return ""
}

// gate is the pre-activation capability review: autonomously written
// source with a dangerous tier is refused, not activated. The refusal is
// surfaced to the user with the triggering APIs named.
func (s *Session) gate(path, source string) string {
	manifest := review.Review(source)
	logging.Review("session %s reviewed %s: tier=%s apis=%v", s.id, filepath.Base(path), manifest.Tier, manifest.APIsUsed)
	if manifest.Tier == review.TierDangerous {
		return fmt.Sprintf("refused to activate %s unsupervised: dangerous APIs %v", filepath.Base(path), manifest.DangerousAPIs())
	}
	return ""
}

func (s *Session) applyWrite(ctx context.Context, path, source string) error {
	return s.applyMutation(ctx, path, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(source), 0644)
	})
}

// applyMutation enforces backup-then-apply-then-reload. A failed backup
// blocks the mutation entirely.
func (s *Session) applyMutation(ctx context.Context, path string, apply func() error) error {
	if _, err := s.backups.Backup(); err != nil {
		return fmt.Errorf("backup failed, mutation blocked: %w", err)
	}
	if err := apply(); err != nil {
		return err
	}
	s.changed = append(s.changed, path)
	if err := s.manager.Reload(ctx); err != nil && err != snippet.ErrReloadInProgress {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

// brokenChanged returns the changed files whose last load failed.
func (s *Session) brokenChanged() []string {
	failed := make(map[string]string)
	for _, snip := range s.manager.Failed() {
		failed[snip.Path] = snip.Error
	}
	var broken []string
	seen := make(map[string]bool)
	for _, path := range s.changed {
		if seen[path] {
			continue
		}
		seen[path] = true
		if _, ok := failed[path]; ok {
			broken = append(broken, path)
		}
	}
	return broken
}

// repair feeds each broken file's error and source back to the provider
// for a corrected full-file rewrite, re-gated like any other write.
func (s *Session) repair(ctx context.Context, broken []string) string {
	errs := make(map[string]string)
	for _, snip := range s.manager.Failed() {
		errs[snip.Path] = snip.Error
	}

	for _, path := range broken {
		source, err := os.ReadFile(path)
		if err != nil {
			logging.Get(logging.CategoryAgent).Error("repair read failed for %s: %v", path, err)
			continue
		}

		logging.Agent("session %s repair %d/%d: %s", s.id, s.repairs, maxRepairAttempts, filepath.Base(path))
		fixed, err := s.client.Complete(ctx, repairSystemPrompt, repairUserPrompt(filepath.Base(path), string(source), errs[path]))
		if err != nil {
			logging.Get(logging.CategoryAgent).Error("repair provider call failed: %v", err)
			continue
		}

		if refusal := s.gate(path, fixed); refusal != "" {
			return refusal
		}

		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(string(source), fixed, false)
		logging.Agent("repair diff for %s:\n%s", filepath.Base(path), dmp.DiffPrettyText(diffs))

		if err := s.applyWrite(ctx, path, fixed); err != nil {
			logging.Get(logging.CategoryAgent).Error("repair apply failed for %s: %v", path, err)
		}
	}
	return ""
}

// fail rolls the config directory back to the pre-session backup and
// reports the terminal failure. A restore failure aborts the rollback with
// the broken state preserved for manual recovery.
func (s *Session) fail(reason string) *Result {
	s.state = StateFailed
	logging.Get(logging.CategoryAgent).Error("session %s failed: %s", s.id, reason)

	res := s.result(reason)
	if len(s.changed) == 0 || s.preBackup == "" {
		return res
	}

	if err := s.backups.Restore(s.preBackup); err != nil {
		res.Reason = fmt.Sprintf("%s; rollback failed, manual recovery required: %v", reason, err)
		logging.Get(logging.CategoryAgent).Error("session %s rollback failed: %v", s.id, err)
		return res
	}
	res.RolledBack = true
	if err := s.manager.Reload(context.Background()); err != nil && err != snippet.ErrReloadInProgress {
		logging.Get(logging.CategoryAgent).Error("post-rollback reload failed: %v", err)
	}
	return res
}

func (s *Session) result(reason string) *Result {
	return &Result{
		SessionID:  s.id,
		Topic:      s.topic,
		State:      s.state,
		Reason:     reason,
		RolledBack: false,
		Transcript: s.transcript,
	}
}

// snippetPath resolves a plan-provided path to a file inside the snippets
// directory, rejecting traversal outside it.
func (s *Session) snippetPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty snippet path")
	}
	path := filepath.Join(s.paths.SnippetsDir(), filepath.Clean("/"+rel))
	if !strings.HasPrefix(path, s.paths.SnippetsDir()+string(os.PathSeparator)) {
		return "", fmt.Errorf("snippet path escapes snippets directory: %s", rel)
	}
	return path, nil
}

const planSystemPrompt = `You plan file operations for macotron, a JavaScript automation system.
Given a user intent and the current snippets, reply with a JSON array of tool calls, nothing else.
Each element: {"kind": "...", "args": {...}}.
Kinds: read_snippet(path), write_snippet(path, source), delete_snippet(path), list_snippets(), read_config(), write_config(source).
Paths are relative to the snippets directory; prefix new files with a three-digit sequence number (e.g. "020-resize-windows.js").
Keep plans short. Snippets use the macotron APIs (window.*, events.on, commands.register, storage.*, ...).`

func planUserPrompt(topic, snippets string) string {
	return fmt.Sprintf("Intent: %s\n\nCurrent snippets:\n%s", topic, snippets)
}

const repairSystemPrompt = `You repair broken macotron automation snippets (JavaScript).
Reply with the complete corrected file content only. No explanations, no markdown fences.
Do not add capabilities the original file did not use.`

func repairUserPrompt(name, source, loadErr string) string {
	return fmt.Sprintf("Snippet %s fails to load.\n\nError:\n%s\n\nSource:\n%s", name, loadErr, source)
}

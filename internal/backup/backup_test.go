package backup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "config.yaml", "name: test\n")
	writeFile(t, root, "init.js", "let booted = true;\n")
	writeFile(t, root, "snippets/clock.js", "// description: clock\nevents.on('tick', function() {});\n")
	writeFile(t, root, "snippets/sub/nested.js", "let n = 1;\n")
	writeFile(t, root, "logs/runtime.log", "ephemeral\n")
	return NewManager(root, filepath.Join(root, "backups"), 30, 100), root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// snapshot reads every regular file under root (excluding backups and logs)
// into a rel-path -> content map for tree comparison.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if top == "backups" || top == "logs" || strings.HasPrefix(top, ".restore-") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	m, root := newTestManager(t)
	before := snapshot(t, root)

	archive, err := m.Backup()
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	// Mutate and delete after the snapshot.
	writeFile(t, root, "snippets/clock.js", "// broken now\n")
	writeFile(t, root, "snippets/new.js", "let added = true;\n")
	if err := os.Remove(filepath.Join(root, "init.js")); err != nil {
		t.Fatal(err)
	}

	if err := m.Restore(archive); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	after := snapshot(t, root)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("restored tree differs (-before +after):\n%s", diff)
	}
}

func TestBackupWritesChecksumSidecar(t *testing.T) {
	m, _ := newTestManager(t)
	archive, err := m.Backup()
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	sum, err := os.ReadFile(archive + ".b3")
	if err != nil {
		t.Fatalf("missing checksum sidecar: %v", err)
	}
	if got := len(strings.TrimSpace(string(sum))); got != 64 {
		t.Errorf("checksum hex length = %d, want 64", got)
	}
}

func TestRestoreRejectsCorruptArchive(t *testing.T) {
	m, root := newTestManager(t)
	archive, err := m.Backup()
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(archive, data, 0644); err != nil {
		t.Fatal(err)
	}

	before := snapshot(t, root)
	err = m.Restore(archive)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Restore error = %v, want ErrChecksumMismatch", err)
	}
	// Live tree untouched on refusal.
	if diff := cmp.Diff(before, snapshot(t, root)); diff != "" {
		t.Errorf("live tree changed by refused restore:\n%s", diff)
	}
}

func TestBackupExcludesBackupsAndLogs(t *testing.T) {
	m, root := newTestManager(t)
	if _, err := m.Backup(); err != nil {
		t.Fatalf("first Backup failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := m.Backup()
	if err != nil {
		t.Fatalf("second Backup failed: %v", err)
	}

	if err := m.Restore(second); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	// A self-including archive would have resurrected backups/ entries
	// under the root or clobbered logs/.
	if _, err := os.Stat(filepath.Join(root, "logs", "runtime.log")); err != nil {
		t.Errorf("logs were disturbed by restore: %v", err)
	}
	archives, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Errorf("archive count after restore = %d, want 2", len(archives))
	}
	entries, err := os.ReadDir(filepath.Join(root, "backups"))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			t.Errorf("unexpected directory inside backups: %s", entry.Name())
		}
	}
}

func TestListSortsOldestFirstAndLatest(t *testing.T) {
	m, _ := newTestManager(t)
	var made []string
	for i := 0; i < 3; i++ {
		archive, err := m.Backup()
		if err != nil {
			t.Fatalf("Backup %d failed: %v", i, err)
		}
		made = append(made, archive)
		time.Sleep(2 * time.Millisecond)
	}

	archives, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(made, archives); diff != "" {
		t.Errorf("List order:\n%s", diff)
	}

	latest, err := m.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest != made[2] {
		t.Errorf("Latest = %s, want %s", latest, made[2])
	}
}

func TestLatestWithNoArchives(t *testing.T) {
	m, _ := newTestManager(t)
	latest, err := m.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest != "" {
		t.Errorf("Latest = %q, want empty", latest)
	}
}

func TestPruneByCount(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "config.yaml", "name: test\n")
	m := NewManager(root, filepath.Join(root, "backups"), 30, 2)

	for i := 0; i < 4; i++ {
		if _, err := m.Backup(); err != nil {
			t.Fatalf("Backup %d failed: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	before, err := m.List()
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	after, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before[2:], after); diff != "" {
		t.Errorf("Prune kept wrong archives (oldest should go first):\n%s", diff)
	}
	// Sidecars go with their archives.
	for _, pruned := range before[:2] {
		if _, err := os.Stat(pruned + ".b3"); !os.IsNotExist(err) {
			t.Errorf("checksum sidecar survived prune: %s", pruned)
		}
	}
}

func TestPruneByAge(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "config.yaml", "name: test\n")
	backupsDir := filepath.Join(root, "backups")
	m := NewManager(root, backupsDir, 30, 100)

	fresh, err := m.Backup()
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	// Fabricate a 60-day-old archive by name; age pruning goes off the
	// embedded timestamp, not file mtime.
	stale := filepath.Join(backupsDir,
		time.Now().UTC().AddDate(0, 0, -60).Format("20060102-150405.000")+".tar.gz")
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Prune(); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}

	after, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0] != fresh {
		t.Errorf("List after prune = %v, want only %s", after, fresh)
	}
}

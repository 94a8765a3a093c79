// Package backup snapshots and restores the config directory. Archives are
// timestamp-named tar.gz files under <root>/backups with a blake3 checksum
// sidecar; restore verifies the checksum before touching the live tree.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"macotron/internal/logging"
)

// ErrChecksumMismatch means an archive does not match its recorded
// checksum; restore refuses to proceed.
var ErrChecksumMismatch = errors.New("backup archive checksum mismatch")

const (
	archiveExt  = ".tar.gz"
	checksumExt = ".b3"
	stampFormat = "20060102-150405.000"
)

// Manager creates, restores and prunes backups of one config root.
type Manager struct {
	root       string // config root being archived
	dir        string // backups directory, excluded from archives
	maxAgeDays int
	maxCount   int
}

// NewManager returns a Manager for the given config root. Retention limits
// of zero fall back to 30 days / 100 archives.
func NewManager(root, backupsDir string, maxAgeDays, maxCount int) *Manager {
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if maxCount <= 0 {
		maxCount = 100
	}
	return &Manager{root: root, dir: backupsDir, maxAgeDays: maxAgeDays, maxCount: maxCount}
}

// Backup compresses the entire config root (excluding the backups and logs
// directories) into a timestamp-named archive and returns its path. Any
// failure is returned before the caller applies its mutation: a failed
// backup must block the operation it was protecting.
func (m *Manager) Backup() (string, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backups dir: %w", err)
	}

	name := time.Now().UTC().Format(stampFormat) + archiveExt
	path := filepath.Join(m.dir, name)

	// Back-to-back backups can land in the same millisecond.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	for seq := 1; err != nil && os.IsExist(err) && seq < 100; seq++ {
		name = fmt.Sprintf("%s_%02d%s", time.Now().UTC().Format(stampFormat), seq, archiveExt)
		path = filepath.Join(m.dir, name)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	hasher := blake3.New()
	gw := gzip.NewWriter(io.MultiWriter(f, hasher))
	tw := tar.NewWriter(gw)

	err = m.writeTree(tw)
	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write archive: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := os.WriteFile(path+checksumExt, []byte(sum+"\n"), 0644); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write checksum: %w", err)
	}

	logging.Backup("created %s (blake3 %s)", name, sum[:16])
	return path, nil
}

func (m *Manager) writeTree(tw *tar.Writer) error {
	return filepath.Walk(m.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		// The backups directory must never archive itself; logs are
		// ephemeral diagnostics.
		top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		if filepath.Join(m.root, top) == m.dir || top == "logs" {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

// Restore atomically replaces the live config root contents with the
// archive's contents. The archive is verified and unpacked into a staging
// directory first; only then are the live entries swapped out, so a corrupt
// archive can never leave a half-restored tree.
func (m *Manager) Restore(archive string) error {
	if err := m.verify(archive); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(filepath.Dir(m.dir), ".restore-*")
	if err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(archive, staging); err != nil {
		return fmt.Errorf("failed to unpack archive: %w", err)
	}

	// Clear live entries except backups/ and logs/ (never archived).
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("failed to read config root: %w", err)
	}
	for _, entry := range entries {
		live := filepath.Join(m.root, entry.Name())
		if live == m.dir || entry.Name() == "logs" || strings.HasPrefix(entry.Name(), ".restore-") {
			continue
		}
		if err := os.RemoveAll(live); err != nil {
			return fmt.Errorf("failed to clear %s: %w", entry.Name(), err)
		}
	}

	staged, err := os.ReadDir(staging)
	if err != nil {
		return fmt.Errorf("failed to read staging dir: %w", err)
	}
	for _, entry := range staged {
		from := filepath.Join(staging, entry.Name())
		to := filepath.Join(m.root, entry.Name())
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to move %s into place: %w", entry.Name(), err)
		}
	}

	logging.Backup("restored %s", filepath.Base(archive))
	return nil
}

func (m *Manager) verify(archive string) error {
	want, err := os.ReadFile(archive + checksumExt)
	if err != nil {
		if os.IsNotExist(err) {
			// Archives predating checksums restore unverified.
			logging.Get(logging.CategoryBackup).Warn("no checksum for %s", filepath.Base(archive))
			return nil
		}
		return fmt.Errorf("failed to read checksum: %w", err)
	}

	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return fmt.Errorf("failed to hash archive: %w", err)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != strings.TrimSpace(string(want)) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, filepath.Base(archive))
	}
	return nil
}

func extract(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		rel := filepath.Clean(filepath.FromSlash(hdr.Name))
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(dest, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

// List returns archive paths sorted oldest first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), archiveExt) {
			out = append(out, filepath.Join(m.dir, entry.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the most recent archive, or "" when none exist.
func (m *Manager) Latest() (string, error) {
	archives, err := m.List()
	if err != nil || len(archives) == 0 {
		return "", err
	}
	return archives[len(archives)-1], nil
}

// Prune deletes archives older than the age limit or beyond the count
// limit, oldest first. Checksum sidecars are removed with their archives.
func (m *Manager) Prune() error {
	archives, err := m.List()
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -m.maxAgeDays)
	var pruned int
	remaining := archives[:0:0]
	for _, path := range archives {
		stamp := strings.TrimSuffix(filepath.Base(path), archiveExt)
		ts, perr := time.Parse(stampFormat, stamp)
		if perr == nil && ts.Before(cutoff) {
			if err := m.remove(path); err != nil {
				return err
			}
			pruned++
			continue
		}
		remaining = append(remaining, path)
	}

	if excess := len(remaining) - m.maxCount; excess > 0 {
		for _, path := range remaining[:excess] {
			if err := m.remove(path); err != nil {
				return err
			}
			pruned++
		}
	}

	if pruned > 0 {
		logging.Backup("pruned %d archive(s)", pruned)
	}
	return nil
}

func (m *Manager) remove(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to prune %s: %w", filepath.Base(path), err)
	}
	if err := os.Remove(path + checksumExt); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to prune checksum for %s: %w", filepath.Base(path), err)
	}
	return nil
}

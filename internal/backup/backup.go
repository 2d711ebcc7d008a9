package backup

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dylanl321/hasyncd/internal/fsutil"
	"github.com/dylanl321/hasyncd/internal/pathmatch"
)

// commitFileName records the staging HEAD a snapshot was captured at.
const commitFileName = "COMMIT"

// timestampLayout orders snapshot directories lexicographically by creation
// time, so retention never needs platform-specific metadata queries.
const timestampLayout = "20060102-150405.000000000"

// Store creates, restores, and prunes point-in-time snapshots of the live
// directory. A snapshot is a full mirrored copy minus protected paths and
// deploy excludes, stored under <root>/<timestamp>-<label>/.
type Store struct {
	liveDir    string
	root       string
	markerPath string
	excludes   *pathmatch.Set
	max        int
	logger     *slog.Logger
}

// Snapshot identifies one captured backup.
type Snapshot struct {
	Label     string
	Dir       string
	Commit    string
	FileCount int
}

// VerifyError reports that a backup could not be produced or verified
// non-empty. No destructive operation may proceed past it.
type VerifyError struct {
	Label  string
	Reason string
	// Empty is set when the capture found nothing to back up. On a first
	// deploy into a pristine live directory this is expected rather than
	// fatal; the caller decides.
	Empty bool
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("backup %q failed verification: %s", e.Label, e.Reason)
}

// NewStore creates a backup store rooted at root, capturing liveDir minus
// the excluded paths.
func NewStore(liveDir, root, markerPath string, excludes []string, max int, logger *slog.Logger) *Store {
	return &Store{
		liveDir:    liveDir,
		root:       root,
		markerPath: markerPath,
		excludes:   pathmatch.NewSet(excludes),
		max:        max,
		logger:     logger,
	}
}

// Create captures a snapshot labeled label, recording commit as the staging
// HEAD at capture time. An empty or failed capture returns VerifyError and
// the caller must abort its destructive operation.
func (s *Store) Create(label, commit string) (*Snapshot, error) {
	name := time.Now().UTC().Format(timestampLayout) + "-" + label
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	count := 0
	err := filepath.WalkDir(s.liveDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.liveDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if s.excludes.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		// Symlinks are preserved as links, not followed.
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			dst := filepath.Join(dir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			if err := os.Symlink(target, dst); err != nil {
				return err
			}
			count++
			return nil
		}

		if err := fsutil.CopyFile(path, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, &VerifyError{Label: label, Reason: err.Error()}
	}
	if count == 0 {
		_ = os.RemoveAll(dir)
		return nil, &VerifyError{Label: label, Reason: "no files captured", Empty: true}
	}

	if err := os.WriteFile(filepath.Join(dir, commitFileName), []byte(commit+"\n"), 0644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, &VerifyError{Label: label, Reason: fmt.Sprintf("failed to record commit: %v", err)}
	}

	s.logger.Info("backup created", "label", label, "dir", dir, "files", count)
	return &Snapshot{Label: label, Dir: dir, Commit: commit, FileCount: count}, nil
}

// Restore copies every file the snapshot covers back into the live
// directory and removes the explicitly listed paths a failed deploy added.
// It never wipes anything else: the restore scope is exactly the snapshot
// plus removePaths.
func (s *Store) Restore(snap *Snapshot, removePaths []string) error {
	s.logger.Warn("restoring live directory from backup",
		"label", snap.Label, "dir", snap.Dir, "removing", len(removePaths))

	for _, rel := range removePaths {
		path := filepath.Join(s.liveDir, filepath.FromSlash(rel))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s during restore: %w", rel, err)
		}
	}

	return filepath.WalkDir(snap.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(snap.Dir, path)
		if err != nil {
			return err
		}
		if rel == "." || d.IsDir() {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == commitFileName {
			return nil
		}

		dst := filepath.Join(s.liveDir, filepath.FromSlash(rel))
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			_ = os.Remove(dst)
			return os.Symlink(target, dst)
		}
		return fsutil.CopyFile(path, dst)
	})
}

// List returns every snapshot in the store, oldest first.
func (s *Store) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var snaps []*Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		label := name
		if idx := strings.Index(name, "-"); idx >= 0 {
			// Strip the "<date>-<time.ns>-" prefix.
			if idx2 := strings.Index(name[idx+1:], "-"); idx2 >= 0 {
				label = name[idx+1+idx2+1:]
			}
		}
		snap := &Snapshot{Label: label, Dir: filepath.Join(s.root, name)}
		if data, err := os.ReadFile(filepath.Join(snap.Dir, commitFileName)); err == nil {
			snap.Commit = strings.TrimSpace(string(data))
		}
		snaps = append(snaps, snap)
	}

	// Directory names start with a fixed-width UTC timestamp, so name
	// order is creation order.
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Dir < snaps[j].Dir
	})
	return snaps, nil
}

// Cleanup deletes all but the newest max snapshots. Called after a
// successful run.
func (s *Store) Cleanup() error {
	snaps, err := s.List()
	if err != nil {
		return err
	}
	if len(snaps) <= s.max {
		return nil
	}

	for _, snap := range snaps[:len(snaps)-s.max] {
		s.logger.Info("pruning old backup", "dir", snap.Dir)
		if err := os.RemoveAll(snap.Dir); err != nil {
			return fmt.Errorf("failed to prune backup %s: %w", snap.Dir, err)
		}
	}
	return nil
}

// noSnapshotMarker is the marker's first line when the deploy has no
// snapshot behind it (first deploy into a pristine live directory).
const noSnapshotMarker = "-"

// WriteMarker records that a deploy is in progress: the snapshot to restore
// (nil when the live directory was empty) and the paths the deploy is about
// to add. A leftover marker on startup means a previous process died
// mid-deploy, and recovery must both restore the snapshot's files and
// remove any of the added paths that made it to disk.
func (s *Store) WriteMarker(snap *Snapshot, added []string) error {
	dir := noSnapshotMarker
	if snap != nil {
		dir = snap.Dir
	}
	lines := append([]string{dir}, added...)
	if err := os.WriteFile(s.markerPath, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write deploy marker: %w", err)
	}
	return nil
}

// ClearMarker removes the deploy-in-progress marker.
func (s *Store) ClearMarker() error {
	if err := os.Remove(s.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear deploy marker: %w", err)
	}
	return nil
}

// RecoverInterrupted checks for a leftover deploy marker and, if present,
// undoes the interrupted deploy: added files are removed and the recorded
// snapshot is restored. Returns true when a recovery took place.
func (s *Store) RecoverInterrupted() (bool, error) {
	data, err := os.ReadFile(s.markerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read deploy marker: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	dir := strings.TrimSpace(lines[0])
	added := lines[1:]
	s.logger.Warn("found interrupted deploy marker, restoring",
		"dir", dir, "added", len(added))

	if dir == noSnapshotMarker {
		// The interrupted deploy ran against an empty live directory;
		// undoing it means removing whatever it managed to add.
		for _, rel := range added {
			path := filepath.Join(s.liveDir, filepath.FromSlash(rel))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return false, fmt.Errorf("failed to remove interrupted-deploy file %s: %w", rel, err)
			}
		}
		return true, s.ClearMarker()
	}

	if _, err := os.Stat(dir); err != nil {
		// The snapshot is gone; nothing can be restored. Clear the
		// marker so the pipeline is not wedged forever.
		s.logger.Error("interrupted-deploy snapshot missing, cannot restore", "dir", dir)
		return false, s.ClearMarker()
	}

	snap := &Snapshot{Label: "interrupted", Dir: dir}
	if err := s.Restore(snap, added); err != nil {
		return false, fmt.Errorf("failed to restore interrupted deploy: %w", err)
	}
	return true, s.ClearMarker()
}

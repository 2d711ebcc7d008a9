package deploy

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dylanl321/hasyncd/internal/fsutil"
	"github.com/dylanl321/hasyncd/internal/pathmatch"
)

// Engine reconciles the staging tree onto the live directory with a one-way
// mirror copy. Excluded paths (protected runtime paths and pipeline
// bookkeeping) are never copied to, deleted, or read as sources.
type Engine struct {
	stagingDir string
	liveDir    string
	excludes   *pathmatch.Set
	// mirror additionally deletes live files absent from staging.
	mirror bool
	// allowUnclean overrides the refusal to mirror when the live directory
	// still contains git metadata from an older in-place setup.
	allowUnclean bool
	logger       *slog.Logger
}

// FileOp represents a single file operation of a plan.
type FileOp struct {
	Rel        string // path relative to both trees
	SourcePath string // absolute path in the staging tree (empty for deletes)
	DestPath   string // absolute path in the live directory
}

// Plan represents the add/update/delete set a deploy will perform.
type Plan struct {
	Add    []FileOp
	Update []FileOp
	Delete []FileOp
}

// Empty reports whether the plan performs no operations.
func (p *Plan) Empty() bool {
	return len(p.Add) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// Result records what an apply actually did. On failure it is partial: the
// recorded paths are exactly what must be considered for rollback.
type Result struct {
	Added   []string
	Updated []string
	Deleted []string
}

// Changed returns every path the apply touched.
func (r *Result) Changed() []string {
	out := make([]string, 0, len(r.Added)+len(r.Updated)+len(r.Deleted))
	out = append(out, r.Added...)
	out = append(out, r.Updated...)
	out = append(out, r.Deleted...)
	return out
}

// NewEngine creates a deploy engine mirroring stagingDir onto liveDir.
func NewEngine(stagingDir, liveDir string, excludes []string, mirror, allowUnclean bool, logger *slog.Logger) *Engine {
	return &Engine{
		stagingDir:   stagingDir,
		liveDir:      liveDir,
		excludes:     pathmatch.NewSet(excludes),
		mirror:       mirror,
		allowUnclean: allowUnclean,
		logger:       logger,
	}
}

// Plan computes the add/update/delete set without mutating anything.
func (e *Engine) Plan() (*Plan, error) {
	if e.mirror && !e.allowUnclean {
		// Mirror deletion against a live directory that still carries
		// git metadata from the old in-place setup is a known corruption
		// combination: stale tracked state plus unconditional deletes.
		if _, err := os.Stat(filepath.Join(e.liveDir, ".git")); err == nil {
			return nil, fmt.Errorf("live directory contains legacy .git metadata; refusing mirror mode (set sync.allow_unclean_target to override)")
		}
	}

	plan := &Plan{}
	staged := make(map[string]bool)

	err := filepath.WalkDir(e.stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(e.stagingDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if rel == ".git" || e.excludes.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			e.logger.Warn("skipping non-regular file in staging tree", "path", rel)
			return nil
		}

		staged[rel] = true
		dest := filepath.Join(e.liveDir, filepath.FromSlash(rel))
		op := FileOp{Rel: rel, SourcePath: path, DestPath: dest}

		info, err := os.Lstat(dest)
		switch {
		case os.IsNotExist(err):
			plan.Add = append(plan.Add, op)
			return nil
		case err != nil:
			return err
		case !info.Mode().IsRegular():
			// A live symlink or device at a deployable path is replaced
			// by the staged regular file.
			plan.Update = append(plan.Update, op)
			return nil
		}

		srcHash, err := fsutil.FileHash(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		dstHash, err := fsutil.FileHash(dest)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", dest, err)
		}
		if srcHash != dstHash {
			plan.Update = append(plan.Update, op)
		}
		// else: unchanged, no action needed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk staging tree: %w", err)
	}

	if e.mirror {
		err := filepath.WalkDir(e.liveDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(e.liveDir, path)
			if err != nil {
				return err
			}
			if rel == "." {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if e.excludes.Matches(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !staged[rel] {
				plan.Delete = append(plan.Delete, FileOp{Rel: rel, DestPath: path})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk live directory: %w", err)
		}
	}

	return plan, nil
}

// Apply executes the plan. On failure the returned result is partial and
// records exactly what was touched, so the caller can restore the pre-deploy
// snapshot and remove the added paths.
func (e *Engine) Apply(plan *Plan) (*Result, error) {
	result := &Result{}

	// Add new files
	for _, op := range plan.Add {
		e.logger.Info("adding file", "path", op.Rel)
		if err := fsutil.CopyFile(op.SourcePath, op.DestPath); err != nil {
			return result, fmt.Errorf("failed to add %s: %w", op.Rel, err)
		}
		result.Added = append(result.Added, op.Rel)
	}

	// Update existing files
	for _, op := range plan.Update {
		e.logger.Info("updating file", "path", op.Rel)
		if err := fsutil.CopyFile(op.SourcePath, op.DestPath); err != nil {
			return result, fmt.Errorf("failed to update %s: %w", op.Rel, err)
		}
		result.Updated = append(result.Updated, op.Rel)
	}

	// Delete extraneous files (mirror mode only)
	for _, op := range plan.Delete {
		e.logger.Info("deleting file", "path", op.Rel)
		if err := os.Remove(op.DestPath); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("failed to delete %s: %w", op.Rel, err)
		}
		result.Deleted = append(result.Deleted, op.Rel)
	}

	return result, nil
}

// LogPlan logs the full plan without applying it (dry-run mode).
func (e *Engine) LogPlan(plan *Plan) {
	for _, op := range plan.Add {
		e.logger.Info("[dry-run] would add", "path", op.Rel)
	}
	for _, op := range plan.Update {
		e.logger.Info("[dry-run] would update", "path", op.Rel)
	}
	for _, op := range plan.Delete {
		e.logger.Info("[dry-run] would delete", "path", op.Rel)
	}
}

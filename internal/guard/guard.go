package guard

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dylanl321/hasyncd/internal/pathmatch"
)

// Guard protects the runtime paths owned by the running application. The
// deploy exclusion list is the primary protection; the guard is the
// independent second check: it refuses commits that track protected paths
// before anything touches the live directory, and it verifies after every
// operation that no protected path vanished.
type Guard struct {
	liveDir string
	set     *pathmatch.Set
	logger  *slog.Logger

	// roots are the top-level protected entries whose existence is
	// snapshotted and verified.
	roots []string
	// present records which roots existed at Snapshot time.
	present map[string]bool
}

// IntegrityError reports protected paths that existed before an operation
// and are gone afterwards. This is an integrity violation, never a warning:
// the run must stop and restore from backup.
type IntegrityError struct {
	Missing []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("protected paths vanished: %s", strings.Join(e.Missing, ", "))
}

// New creates a guard for the given live directory and protected path
// entries (exact relative paths or directory prefixes).
func New(liveDir string, protected []string, logger *slog.Logger) *Guard {
	roots := make([]string, 0, len(protected))
	seen := make(map[string]bool)
	for _, p := range protected {
		p = strings.Trim(strings.TrimPrefix(p, "./"), "/")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		roots = append(roots, p)
	}
	return &Guard{
		liveDir: liveDir,
		set:     pathmatch.NewSet(protected),
		logger:  logger,
		roots:   roots,
	}
}

// Set returns the protected-path predicate, shared with the deploy excludes.
func (g *Guard) Set() *pathmatch.Set {
	return g.set
}

// Snapshot records which protected paths currently exist in the live
// directory. Verify later asserts they all still do.
func (g *Guard) Snapshot() {
	g.present = make(map[string]bool, len(g.roots))
	for _, root := range g.roots {
		if _, err := os.Lstat(filepath.Join(g.liveDir, filepath.FromSlash(root))); err == nil {
			g.present[root] = true
		}
	}
	g.logger.Debug("protected paths snapshotted",
		"total", len(g.roots), "present", len(g.present))
}

// Verify asserts that every protected path present at Snapshot time still
// exists. Called unconditionally on every exit path of a mutating operation.
func (g *Guard) Verify() error {
	var missing []string
	for root := range g.present {
		if _, err := os.Lstat(filepath.Join(g.liveDir, filepath.FromSlash(root))); err != nil {
			missing = append(missing, root)
		}
	}
	if len(missing) > 0 {
		for _, m := range missing {
			g.logger.Error("protected path vanished", "path", m)
		}
		return &IntegrityError{Missing: missing}
	}
	return nil
}

// Preflight inspects the tracked file list of the commit about to deploy and
// refuses when any entry matches the protected set. Every offender is logged
// and the live directory stays untouched.
func (g *Guard) Preflight(tracked []string) error {
	offending := g.set.Filter(tracked)
	if len(offending) == 0 {
		return nil
	}
	for _, p := range offending {
		g.logger.Error("repository tracks a protected path", "path", p)
	}
	return fmt.Errorf("refusing to deploy: %d tracked file(s) match protected paths: %s",
		len(offending), strings.Join(offending, ", "))
}

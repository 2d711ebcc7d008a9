//go:build integration

package tier1

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dylanl321/hasyncd/internal/config"
	"github.com/dylanl321/hasyncd/internal/git"
	"github.com/dylanl321/hasyncd/internal/supervisor"
	"github.com/dylanl321/hasyncd/internal/sync"
)

// Harness drives the full pipeline against a real git remote on disk and a
// shell-script supervisor, with no mocks between the engine and the
// filesystem.
type Harness struct {
	t *testing.T

	RemoteDir string
	LiveDir   string
	StateDir  string

	// validateOutcome controls the fake supervisor: "ok" passes, anything
	// else fails the check.
	validateOutcomeFile string
	restartLogFile      string

	workTree string // scratch clone used to push commits to the remote
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()
	base := t.TempDir()

	h := &Harness{
		t:                   t,
		RemoteDir:           filepath.Join(base, "remote.git"),
		LiveDir:             filepath.Join(base, "live"),
		StateDir:            filepath.Join(base, "state"),
		validateOutcomeFile: filepath.Join(base, "validate-outcome"),
		restartLogFile:      filepath.Join(base, "restart.log"),
		workTree:            filepath.Join(base, "worktree"),
	}

	if err := os.MkdirAll(h.LiveDir, 0755); err != nil {
		t.Fatal(err)
	}

	h.git("", "init", "--bare", "--initial-branch=main", h.RemoteDir)
	h.git("", "clone", h.RemoteDir, h.workTree)
	h.git(h.workTree, "config", "user.email", "tier1@example.com")
	h.git(h.workTree, "config", "user.name", "tier1")

	h.SetValidateOutcome("ok")
	return h
}

// Engine builds a fully wired sync engine against the harness directories.
func (h *Harness) Engine() *sync.Engine {
	h.t.Helper()
	cfg := h.Config()
	gitClient := git.NewShellClient(cfg.StagingDir(), cfg.Repo, cfg.Auth, h.logger())
	sup := supervisor.NewShellClient(cfg.Paths.LiveDir,
		cfg.Supervisor.ValidateCommand, cfg.Supervisor.RestartCommand)
	return sync.NewEngine(cfg, gitClient, sup, h.logger(), false)
}

func (h *Harness) Config() *config.Config {
	cfg := &config.Config{}
	cfg.Repo.URL = h.RemoteDir
	cfg.Repo.Remote = "origin"
	cfg.Repo.Branch = "main"
	cfg.Repo.Strategy = config.StrategyFastForward
	cfg.Paths.LiveDir = h.LiveDir
	cfg.Paths.StateDir = h.StateDir
	cfg.Sync.Mirror = true
	cfg.Backup.Max = 3
	// The fake supervisor reads its verdict from a file, so a test can
	// flip validation between passing and failing mid-scenario.
	cfg.Supervisor.ValidateCommand = fmt.Sprintf(
		`[ "$(cat %s)" = "ok" ] || { echo "Configuration invalid"; exit 1; }`, h.validateOutcomeFile)
	cfg.Supervisor.RestartCommand = fmt.Sprintf("echo restarted >> %s", h.restartLogFile)
	return cfg
}

// Commit writes the given files into the work tree and pushes a commit to
// the remote, returning nothing: the engine is expected to discover it.
func (h *Harness) Commit(message string, files map[string]string) {
	h.t.Helper()
	for rel, content := range files {
		path := filepath.Join(h.workTree, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			h.t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			h.t.Fatal(err)
		}
	}
	h.git(h.workTree, "add", "-A")
	h.git(h.workTree, "commit", "-m", message)
	h.git(h.workTree, "push", "origin", "main")
}

// Remove deletes files from the work tree and pushes the deletion.
func (h *Harness) Remove(message string, rels ...string) {
	h.t.Helper()
	for _, rel := range rels {
		h.git(h.workTree, "rm", rel)
	}
	h.git(h.workTree, "commit", "-m", message)
	h.git(h.workTree, "push", "origin", "main")
}

func (h *Harness) SetValidateOutcome(outcome string) {
	h.t.Helper()
	if err := os.WriteFile(h.validateOutcomeFile, []byte(outcome), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// RestartCount reports how many times the fake restart command ran.
func (h *Harness) RestartCount() int {
	data, err := os.ReadFile(h.restartLogFile)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		h.t.Fatal(err)
	}
	return strings.Count(string(data), "restarted")
}

func (h *Harness) LiveContent(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.LiveDir, filepath.FromSlash(rel)))
	if err != nil {
		h.t.Fatalf("reading live %s: %v", rel, err)
	}
	return string(data)
}

func (h *Harness) LiveExists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.LiveDir, filepath.FromSlash(rel)))
	return err == nil
}

func (h *Harness) WriteLive(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.LiveDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

func (h *Harness) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func (h *Harness) git(dir string, args ...string) {
	h.t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=tier1", "GIT_AUTHOR_EMAIL=tier1@example.com",
		"GIT_COMMITTER_NAME=tier1", "GIT_COMMITTER_EMAIL=tier1@example.com")
	out, err := cmd.CombinedOutput()
	if err != nil {
		h.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
}

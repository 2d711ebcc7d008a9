package git

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dylanl321/hasyncd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func runGit(t *testing.T, args ...string) {
	t.Helper()
	if out, err := exec.Command("git", args...).CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

// initRemote creates a local repo acting as the remote, with one commit on
// the given branch.
func initRemote(t *testing.T, dir, branch string) {
	t.Helper()
	runGit(t, "init", "-b", branch, dir)
	runGit(t, "-C", dir, "config", "user.email", "test@test.com")
	runGit(t, "-C", dir, "config", "user.name", "Test")
	commitFile(t, dir, "configuration.yaml", "homeassistant:\n", "Initial commit")
}

// commitFile creates or overwrites a file and commits it.
func commitFile(t *testing.T, repoDir, name, content, msg string) {
	t.Helper()
	path := filepath.Join(repoDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	runGit(t, "-C", repoDir, "add", name)
	runGit(t, "-C", repoDir, "commit", "-m", msg)
}

func newClient(t *testing.T, remoteDir string, strategy config.UpdateStrategy) (*ShellClient, string) {
	t.Helper()
	stagingDir := filepath.Join(t.TempDir(), "staging")
	repo := config.RepoConfig{
		URL:      remoteDir,
		Remote:   "origin",
		Branch:   "main",
		Strategy: strategy,
	}
	return NewShellClient(stagingDir, repo, config.AuthConfig{}, testLogger()), stagingDir
}

func TestCloneAndFastForwardUpdate(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")

	client, stagingDir := newClient(t, remoteDir, config.StrategyFastForward)

	if client.Exists() {
		t.Fatal("Exists() true before clone")
	}
	if err := client.Clone(ctx); err != nil {
		t.Fatalf("clone: %v", err)
	}
	if !client.Exists() {
		t.Fatal("Exists() false after clone")
	}

	oldCommit, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Remote moves forward.
	commitFile(t, remoteDir, "configuration.yaml", "homeassistant:\n  name: Home\n", "Update")

	if err := client.Fetch(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := client.Update(ctx); err != nil {
		t.Fatalf("update: %v", err)
	}

	newCommit, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if oldCommit == newCommit {
		t.Error("expected head to move after update")
	}

	got, err := os.ReadFile(filepath.Join(stagingDir, "configuration.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), "name: Home") {
		t.Errorf("working tree not updated: %q", got)
	}
}

func TestCloneBranchNotFound(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")

	stagingDir := filepath.Join(t.TempDir(), "staging")
	repo := config.RepoConfig{URL: remoteDir, Remote: "origin", Branch: "production"}
	client := NewShellClient(stagingDir, repo, config.AuthConfig{}, testLogger())

	err := client.Clone(ctx)
	var notFound *BranchNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected BranchNotFoundError, got %v", err)
	}
	if len(notFound.Available) != 1 || notFound.Available[0] != "main" {
		t.Errorf("expected available branches [main], got %v", notFound.Available)
	}

	// The failure must be non-mutating: no staging tree materialized.
	if _, err := os.Stat(stagingDir); !os.IsNotExist(err) {
		t.Error("staging directory created despite branch-not-found failure")
	}
}

func TestVerifyRemote(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")

	client, stagingDir := newClient(t, remoteDir, config.StrategyFastForward)
	if err := client.Clone(ctx); err != nil {
		t.Fatal(err)
	}

	if err := client.VerifyRemote(ctx); err != nil {
		t.Fatalf("expected matching remote, got %v", err)
	}

	// Repoint the staging remote behind the client's back.
	runGit(t, "-C", stagingDir, "remote", "set-url", "origin", "/elsewhere/repo.git")

	err := client.VerifyRemote(ctx)
	var mismatch *RemoteMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected RemoteMismatchError, got %v", err)
	}
	if mismatch.Actual != "/elsewhere/repo.git" {
		t.Errorf("unexpected actual url: %s", mismatch.Actual)
	}
}

func TestFastForwardRetryAfterLocalChanges(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")

	client, stagingDir := newClient(t, remoteDir, config.StrategyFastForward)
	if err := client.Clone(ctx); err != nil {
		t.Fatal(err)
	}

	// Dirty the tracked file locally without committing, then move the
	// remote forward on the same file. The first merge refuses, the retry
	// after reset succeeds.
	if err := os.WriteFile(filepath.Join(stagingDir, "configuration.yaml"), []byte("local edit\n"), 0644); err != nil {
		t.Fatal(err)
	}
	commitFile(t, remoteDir, "configuration.yaml", "remote edit\n", "Remote change")

	if err := client.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.Update(ctx); err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}

	got, err := os.ReadFile(filepath.Join(stagingDir, "configuration.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "remote edit\n" {
		t.Errorf("expected remote content after retry, got %q", got)
	}
}

func TestFastForwardConflictIsFatalAfterRetry(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")

	client, stagingDir := newClient(t, remoteDir, config.StrategyFastForward)
	if err := client.Clone(ctx); err != nil {
		t.Fatal(err)
	}
	runGit(t, "-C", stagingDir, "config", "user.email", "test@test.com")
	runGit(t, "-C", stagingDir, "config", "user.name", "Test")

	// Diverging committed histories touching the same line conflict on
	// merge, survive the reset (reset keeps the local commit), and
	// conflict again on retry.
	commitFile(t, stagingDir, "configuration.yaml", "local version\n", "Local commit")
	commitFile(t, remoteDir, "configuration.yaml", "remote version\n", "Remote commit")

	if err := client.Fetch(ctx); err != nil {
		t.Fatal(err)
	}

	err := client.Update(ctx)
	var conflict *MergeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected MergeConflictError, got %v", err)
	}

	// The aborted merge must leave no conflict markers behind.
	got, err2 := os.ReadFile(filepath.Join(stagingDir, "configuration.yaml"))
	if err2 != nil {
		t.Fatal(err2)
	}
	if strings.Contains(string(got), "<<<<<<<") {
		t.Errorf("conflict markers left in working tree: %q", got)
	}
}

func TestHardResetDiscardsLocalCommits(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")

	client, stagingDir := newClient(t, remoteDir, config.StrategyHardReset)
	if err := client.Clone(ctx); err != nil {
		t.Fatal(err)
	}
	runGit(t, "-C", stagingDir, "config", "user.email", "test@test.com")
	runGit(t, "-C", stagingDir, "config", "user.name", "Test")

	commitFile(t, stagingDir, "configuration.yaml", "local version\n", "Local commit")
	commitFile(t, remoteDir, "configuration.yaml", "remote version\n", "Remote commit")

	// Untracked content in the staging tree must survive a hard reset.
	untracked := filepath.Join(stagingDir, "untracked.txt")
	if err := os.WriteFile(untracked, []byte("keep me\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := client.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.Update(ctx); err != nil {
		t.Fatalf("hard-reset update: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(stagingDir, "configuration.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "remote version\n" {
		t.Errorf("expected remote content after hard reset, got %q", got)
	}
	if _, err := os.Stat(untracked); err != nil {
		t.Errorf("untracked file did not survive hard reset: %v", err)
	}
}

func TestLsFilesAndDiffNames(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")
	commitFile(t, remoteDir, "automations.yaml", "[]\n", "Add automations")

	client, _ := newClient(t, remoteDir, config.StrategyFastForward)
	if err := client.Clone(ctx); err != nil {
		t.Fatal(err)
	}

	files, err := client.LsFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"configuration.yaml": false, "automations.yaml": false}
	for _, f := range files {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, found := range want {
		if !found {
			t.Errorf("ls-files missing %s: %v", f, files)
		}
	}

	oldCommit, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	commitFile(t, remoteDir, "scripts.yaml", "{}\n", "Add scripts")
	if err := client.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.Update(ctx); err != nil {
		t.Fatal(err)
	}
	newCommit, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	changed, err := client.DiffNames(ctx, oldCommit, newCommit)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != "scripts.yaml" {
		t.Errorf("expected changed files [scripts.yaml], got %v", changed)
	}
}

func TestResetTo(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")

	client, stagingDir := newClient(t, remoteDir, config.StrategyFastForward)
	if err := client.Clone(ctx); err != nil {
		t.Fatal(err)
	}
	oldCommit, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	commitFile(t, remoteDir, "configuration.yaml", "broken config\n", "Bad change")
	if err := client.Fetch(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.Update(ctx); err != nil {
		t.Fatal(err)
	}

	if err := client.ResetTo(ctx, oldCommit); err != nil {
		t.Fatalf("reset to old commit: %v", err)
	}

	head, err := client.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head != oldCommit {
		t.Errorf("expected head %s after revert, got %s", oldCommit, head)
	}
	got, err := os.ReadFile(filepath.Join(stagingDir, "configuration.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "homeassistant:\n" {
		t.Errorf("expected original content after revert, got %q", got)
	}
}

func TestSwitchBranch(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	initRemote(t, remoteDir, "main")
	runGit(t, "-C", remoteDir, "checkout", "-b", "staging-env")
	commitFile(t, remoteDir, "configuration.yaml", "staging flavor\n", "Staging change")
	runGit(t, "-C", remoteDir, "checkout", "main")

	client, stagingDir := newClient(t, remoteDir, config.StrategyFastForward)
	if err := client.Clone(ctx); err != nil {
		t.Fatal(err)
	}
	if err := client.Fetch(ctx); err != nil {
		t.Fatal(err)
	}

	if branch, err := client.CurrentBranch(ctx); err != nil || branch != "main" {
		t.Fatalf("CurrentBranch = %q, %v; want main", branch, err)
	}

	if err := client.SwitchBranch(ctx, "staging-env"); err != nil {
		t.Fatalf("switch branch: %v", err)
	}
	if branch, err := client.CurrentBranch(ctx); err != nil || branch != "staging-env" {
		t.Fatalf("CurrentBranch = %q, %v; want staging-env", branch, err)
	}
	got, err := os.ReadFile(filepath.Join(stagingDir, "configuration.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "staging flavor\n" {
		t.Errorf("expected staging branch content, got %q", got)
	}

	if err := client.SwitchBranch(ctx, "does-not-exist"); err == nil {
		t.Error("expected switch to unknown branch to fail")
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/plain/path", "'/plain/path'"},
		{"/path with space", "'/path with space'"},
		{"/it's/here", `'/it'\''s/here'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestInsertGitFlags(t *testing.T) {
	got := insertGitFlags([]string{"git", "clone", "url"}, "-c", "x=y")
	want := []string{"git", "-c", "x=y", "clone", "url"}
	if len(got) != len(want) {
		t.Fatalf("unexpected length: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

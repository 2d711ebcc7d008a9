package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dylanl321/hasyncd/internal/config"
)

// Client provides every git operation the sync pipeline needs. The staging
// repository exclusively owns its working tree and .git metadata; callers
// only ever see commit hashes and file lists.
type Client interface {
	// Exists reports whether the staging repository has been cloned yet
	Exists() bool
	// Clone materializes the configured branch into the staging directory
	Clone(ctx context.Context) error
	// VerifyRemote fails when the repository's remote URL disagrees with
	// the configuration
	VerifyRemote(ctx context.Context) error
	// Fetch updates remote-tracking refs, pruning deleted ones if configured
	Fetch(ctx context.Context) error
	// Prune garbage-collects unreachable objects; never touches the working tree
	Prune(ctx context.Context) error
	// CurrentBranch returns the name of the checked-out branch
	CurrentBranch(ctx context.Context) (string, error)
	// SwitchBranch checks out another remote branch
	SwitchBranch(ctx context.Context, name string) error
	// Update applies the configured strategy against the fetched remote tip
	Update(ctx context.Context) error
	// Head returns the commit hash of the checked-out tree
	Head(ctx context.Context) (string, error)
	// RemoteHead returns the commit hash of the fetched remote branch tip
	RemoteHead(ctx context.Context) (string, error)
	// ResetTo forces the working tree back to the given commit
	ResetTo(ctx context.Context, commit string) error
	// LsFiles lists the tracked files of the checked-out commit
	LsFiles(ctx context.Context) ([]string, error)
	// DiffNames lists files that differ between two commits
	DiffNames(ctx context.Context, oldCommit, newCommit string) ([]string, error)
	// DiffStat renders a human-readable summary of the difference
	DiffStat(ctx context.Context, oldCommit, newCommit string) (string, error)
}

// ShellClient implements Client by shelling out to the git command. Exit
// status and captured output are the only signals consumed.
type ShellClient struct {
	dir    string
	repo   config.RepoConfig
	auth   config.AuthConfig
	logger *slog.Logger
}

// NewShellClient creates a git client operating on the staging directory dir.
func NewShellClient(dir string, repo config.RepoConfig, auth config.AuthConfig, logger *slog.Logger) *ShellClient {
	return &ShellClient{
		dir:    dir,
		repo:   repo,
		auth:   auth,
		logger: logger,
	}
}

// Exists reports whether dir already contains a git repository.
func (c *ShellClient) Exists() bool {
	_, err := os.Stat(filepath.Join(c.dir, ".git"))
	return err == nil
}

// Clone verifies the configured branch exists on the remote, then clones it
// into the staging directory. The staging directory is disjoint from the live
// directory, so nothing outside it is ever disturbed.
func (c *ShellClient) Clone(ctx context.Context) error {
	if err := c.verifyRemoteBranch(ctx, c.repo.Branch); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.dir), 0755); err != nil {
		return fmt.Errorf("failed to create staging parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone",
		"--origin", c.repo.Remote,
		"--branch", c.repo.Branch,
		c.repo.URL, c.dir)
	if err := c.configureAuth(cmd); err != nil {
		return err
	}
	if err := c.run(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// VerifyRemote compares the repository's configured remote URL with the
// configuration. A mismatch is fatal and never auto-corrected.
func (c *ShellClient) VerifyRemote(ctx context.Context) error {
	out, err := c.output(c.git(ctx, "config", "--get", "remote."+c.repo.Remote+".url"))
	if err != nil {
		return fmt.Errorf("failed to read remote %q url: %w", c.repo.Remote, err)
	}
	actual := strings.TrimSpace(out)
	if actual != c.repo.URL {
		return &RemoteMismatchError{Remote: c.repo.Remote, Configured: c.repo.URL, Actual: actual}
	}
	return nil
}

// Fetch updates the remote-tracking refs for the configured remote.
func (c *ShellClient) Fetch(ctx context.Context) error {
	args := []string{"fetch", c.repo.Remote}
	if c.repo.Prune {
		args = append(args, "--prune")
	}
	cmd := c.git(ctx, args...)
	if err := c.configureAuth(cmd); err != nil {
		return err
	}
	if err := c.run(cmd); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// Prune garbage-collects unreachable objects and refs. Reflog expiry plus gc
// only ever touch .git, never the working tree.
func (c *ShellClient) Prune(ctx context.Context) error {
	if err := c.run(c.git(ctx, "reflog", "expire", "--expire=now", "--all")); err != nil {
		return fmt.Errorf("git reflog expire failed: %w", err)
	}
	if err := c.run(c.git(ctx, "gc", "--auto")); err != nil {
		return fmt.Errorf("git gc failed: %w", err)
	}
	return nil
}

// CurrentBranch returns the name of the checked-out branch.
func (c *ShellClient) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.output(c.git(ctx, "rev-parse", "--abbrev-ref", "HEAD"))
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// SwitchBranch checks out the named branch after verifying it exists on the
// remote. Direct checkout is tried first so a pre-existing local branch wins;
// otherwise a tracking branch is created from the remote ref.
func (c *ShellClient) SwitchBranch(ctx context.Context, name string) error {
	if err := c.verifyRemoteBranch(ctx, name); err != nil {
		return err
	}
	if err := c.run(c.git(ctx, "checkout", name)); err != nil {
		if err := c.run(c.git(ctx, "checkout", "-b", name, c.repo.Remote+"/"+name)); err != nil {
			return fmt.Errorf("git checkout of branch %q failed: %w", name, err)
		}
	}
	c.repo.Branch = name
	return nil
}

// Update brings the working tree to the fetched remote tip using the
// configured strategy.
func (c *ShellClient) Update(ctx context.Context) error {
	switch c.repo.Strategy {
	case config.StrategyHardReset:
		return c.updateHardReset(ctx)
	default:
		return c.updateFastForward(ctx)
	}
}

// updateFastForward merges the remote branch tip. On failure the merge is
// aborted, local changes to tracked files are discarded, and the merge is
// retried exactly once; a second failure aborts the run.
func (c *ShellClient) updateFastForward(ctx context.Context) error {
	target := c.repo.Remote + "/" + c.repo.Branch

	err := c.run(c.git(ctx, "merge", target))
	if err == nil {
		return nil
	}

	c.logger.Warn("merge failed, resetting tracked files and retrying once",
		"target", target, "error", err)

	// The abort fails when no merge is in progress; that is fine.
	_ = c.run(c.git(ctx, "merge", "--abort"))
	if err := c.run(c.git(ctx, "reset", "--hard", "HEAD")); err != nil {
		return fmt.Errorf("git reset before merge retry failed: %w", err)
	}

	if err := c.run(c.git(ctx, "merge", target)); err != nil {
		_ = c.run(c.git(ctx, "merge", "--abort"))
		return &MergeConflictError{Branch: c.repo.Branch, Output: err.Error()}
	}
	return nil
}

// updateHardReset logs what will be discarded, then forces the working tree
// to the remote branch tip. Hard reset only touches tracked files, so
// untracked content in the staging directory survives.
func (c *ShellClient) updateHardReset(ctx context.Context) error {
	target := c.repo.Remote + "/" + c.repo.Branch

	if stat, err := c.output(c.git(ctx, "diff", "--stat", "HEAD", target)); err == nil {
		if stat = strings.TrimSpace(stat); stat != "" {
			c.logger.Warn("hard reset will discard local differences", "diff", stat)
		}
	}

	if err := c.run(c.git(ctx, "reset", "--hard", target)); err != nil {
		return fmt.Errorf("git reset --hard %s failed: %w", target, err)
	}
	return nil
}

// Head returns the commit hash of HEAD.
func (c *ShellClient) Head(ctx context.Context) (string, error) {
	out, err := c.output(c.git(ctx, "rev-parse", "HEAD"))
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// RemoteHead returns the commit hash of the fetched remote branch tip.
// Comparing it against Head decides whether there is anything to deploy.
func (c *ShellClient) RemoteHead(ctx context.Context) (string, error) {
	out, err := c.output(c.git(ctx, "rev-parse", c.repo.Remote+"/"+c.repo.Branch))
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s/%s failed: %w", c.repo.Remote, c.repo.Branch, err)
	}
	return strings.TrimSpace(out), nil
}

// ResetTo hard-resets the working tree to the given commit, logging the
// discarded difference first.
func (c *ShellClient) ResetTo(ctx context.Context, commit string) error {
	if stat, err := c.output(c.git(ctx, "diff", "--stat", commit, "HEAD")); err == nil {
		if stat = strings.TrimSpace(stat); stat != "" {
			c.logger.Warn("reverting staging tree, discarding", "commit", commit, "diff", stat)
		}
	}
	if err := c.run(c.git(ctx, "reset", "--hard", commit)); err != nil {
		return fmt.Errorf("git reset --hard %s failed: %w", commit, err)
	}
	return nil
}

// LsFiles lists the tracked files of the current checkout, relative to the
// repository root.
func (c *ShellClient) LsFiles(ctx context.Context) ([]string, error) {
	out, err := c.output(c.git(ctx, "ls-files"))
	if err != nil {
		return nil, fmt.Errorf("git ls-files failed: %w", err)
	}
	return splitLines(out), nil
}

// DiffNames lists the files that differ between two commits.
func (c *ShellClient) DiffNames(ctx context.Context, oldCommit, newCommit string) ([]string, error) {
	out, err := c.output(c.git(ctx, "diff", "--name-only", oldCommit, newCommit))
	if err != nil {
		return nil, fmt.Errorf("git diff --name-only failed: %w", err)
	}
	return splitLines(out), nil
}

// DiffStat renders a summary of the difference between two commits.
func (c *ShellClient) DiffStat(ctx context.Context, oldCommit, newCommit string) (string, error) {
	out, err := c.output(c.git(ctx, "diff", "--stat", oldCommit, newCommit))
	if err != nil {
		return "", fmt.Errorf("git diff --stat failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// verifyRemoteBranch lists the remote's branch heads and fails with the
// available branches when the wanted one is absent.
func (c *ShellClient) verifyRemoteBranch(ctx context.Context, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--heads", c.repo.URL)
	if err := c.configureAuth(cmd); err != nil {
		return err
	}
	out, err := c.output(cmd)
	if err != nil {
		return fmt.Errorf("git ls-remote failed: %w", err)
	}

	var available []string
	for _, line := range splitLines(out) {
		// Each line is "<hash>\trefs/heads/<name>"
		idx := strings.Index(line, "refs/heads/")
		if idx < 0 {
			continue
		}
		name := line[idx+len("refs/heads/"):]
		if name == branch {
			return nil
		}
		available = append(available, name)
	}
	return &BranchNotFoundError{Branch: branch, Available: available}
}

// git builds a command running in the staging directory.
func (c *ShellClient) git(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-C", c.dir}, args...)
	return exec.CommandContext(ctx, "git", full...)
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}

	// SSH authentication with a private key. Host keys are accepted on
	// first contact; key material provisioning happens outside hasyncd.
	if c.auth.SSHKeyFile != "" && (strings.HasPrefix(c.repo.URL, "git@") || strings.HasPrefix(c.repo.URL, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.auth.SSHKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with a token
	if c.auth.HTTPSTokenFile != "" && strings.HasPrefix(c.repo.URL, "https://") {
		token, err := os.ReadFile(c.auth.HTTPSTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read HTTPS token file: %w", err)
		}

		// Pass the token via environment variable and configure a git
		// credential helper that reads it. This avoids embedding the
		// token directly in a shell expression.
		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "HASYNCD_GIT_TOKEN="+strings.TrimSpace(string(token)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$HASYNCD_GIT_TOKEN"; }; f`,
		)
		return nil
	}

	// HTTPS authentication with username and password
	if c.auth.Username != "" && c.auth.PasswordFile != "" && strings.HasPrefix(c.repo.URL, "https://") {
		password, err := os.ReadFile(c.auth.PasswordFile)
		if err != nil {
			return fmt.Errorf("failed to read password file: %w", err)
		}

		cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
		cmd.Env = append(cmd.Env, "HASYNCD_GIT_USER="+c.auth.Username)
		cmd.Env = append(cmd.Env, "HASYNCD_GIT_PASSWORD="+strings.TrimSpace(string(password)))
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=$HASYNCD_GIT_USER"; echo "password=$HASYNCD_GIT_PASSWORD"; }; f`,
		)
		return nil
	}

	return nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes a command and returns an error with combined output on failure
func (c *ShellClient) run(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}

// output executes a command and returns its stdout, with stderr folded into
// the error on failure.
func (c *ShellClient) output(cmd *exec.Cmd) (string, error) {
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, stderr.String())
	}
	return string(out), nil
}

// splitLines splits command output into trimmed, non-empty lines.
func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

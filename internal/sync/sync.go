package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dylanl321/hasyncd/internal/backup"
	"github.com/dylanl321/hasyncd/internal/config"
	"github.com/dylanl321/hasyncd/internal/deploy"
	"github.com/dylanl321/hasyncd/internal/gate"
	"github.com/dylanl321/hasyncd/internal/git"
	"github.com/dylanl321/hasyncd/internal/guard"
	"github.com/dylanl321/hasyncd/internal/lockfile"
	"github.com/dylanl321/hasyncd/internal/supervisor"
)

// Engine orchestrates one synchronization pass: it sequences isolation,
// repository update, deploy, and validation under a single cross-process
// lock, and short-circuits to the nearest rollback when any stage fails.
// The pipeline is never retried within one invocation.
type Engine struct {
	cfg     *config.Config
	git     git.Client
	logger  *slog.Logger
	dryRun  bool
	lock    *lockfile.Lock
	guard   *guard.Guard
	backups *backup.Store
	deploys *deploy.Engine
	gate    *gate.Gate
}

// NewEngine creates a sync engine wiring the pipeline components from the
// configuration.
func NewEngine(cfg *config.Config, gitClient git.Client, sup supervisor.Supervisor, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		logger: logger,
		dryRun: dryRun,
		lock:   lockfile.New(cfg.LockFilePath()),
		guard:  guard.New(cfg.Paths.LiveDir, cfg.ProtectedPaths(), logger),
		backups: backup.NewStore(cfg.Paths.LiveDir, cfg.BackupDir(), cfg.MarkerFilePath(),
			cfg.DeployExcludes(), cfg.Backup.Max, logger),
		deploys: deploy.NewEngine(cfg.StagingDir(), cfg.Paths.LiveDir, cfg.DeployExcludes(),
			cfg.Sync.Mirror, cfg.Sync.AllowUncleanTarget, logger),
		gate: gate.New(sup, cfg.Sync.RestartIgnore, logger),
	}
}

// Run executes one complete synchronization pass.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.logger.Info("starting sync",
		"repo", e.cfg.Repo.URL,
		"branch", e.cfg.Repo.Branch,
		"strategy", e.cfg.Repo.Strategy,
		"dry_run", e.dryRun)

	if err := os.MkdirAll(e.cfg.Paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	locked, err := e.lock.TryAcquire()
	if err != nil {
		return nil, err
	}
	if !locked {
		// Another instance is mid-pipeline. Skip, never queue.
		e.logger.Info("another sync holds the lock, skipping this cycle", "lock", e.lock.Path())
		return skipped("lock contention"), nil
	}
	defer func() {
		if err := e.lock.Release(); err != nil {
			e.logger.Warn("failed to release lock", "error", err)
		}
	}()

	// A leftover marker means a previous process died mid-deploy; restore
	// before anything else runs.
	recovered, err := e.backups.RecoverInterrupted()
	if err != nil {
		return e.failed("", "", err)
	}
	if recovered {
		e.logger.Warn("recovered from an interrupted deploy")
	}

	if e.git.Exists() {
		return e.runSync(ctx, recovered)
	}
	return e.runClone(ctx)
}

// runClone handles the first run: the staging repository does not exist yet.
// Cloning happens in an isolated staging location, so the live directory is
// untouched until deploy.
func (e *Engine) runClone(ctx context.Context) (*Result, error) {
	e.logger.Info("staging repository missing, cloning", "dest", e.cfg.StagingDir())

	e.guard.Snapshot()

	if err := e.git.Clone(ctx); err != nil {
		return e.failed("", "", err)
	}

	newCommit, err := e.git.Head(ctx)
	if err != nil {
		return e.failed("", "", err)
	}
	e.logger.Info("repository cloned", "commit", newCommit)

	return e.deployAndValidate(ctx, "", newCommit, "pre-clone")
}

// runSync handles every subsequent run: verify the remote identity, fetch,
// and bring the staging tree to the remote tip before deploying. force skips
// the commit-equality shortcuts: after a crash recovery the staging head may
// already match the remote tip while the live directory does not, so the
// deploy comparison itself has to decide.
func (e *Engine) runSync(ctx context.Context, force bool) (*Result, error) {
	if err := e.git.VerifyRemote(ctx); err != nil {
		return e.failed("", "", err)
	}

	if err := e.git.Fetch(ctx); err != nil {
		// Nothing has been mutated; the cycle just aborts.
		return e.failed("", "", err)
	}

	oldCommit, err := e.git.Head(ctx)
	if err != nil {
		return e.failed("", "", err)
	}

	currentBranch, err := e.git.CurrentBranch(ctx)
	if err != nil {
		return e.failed(oldCommit, "", err)
	}
	needSwitch := currentBranch != e.cfg.Repo.Branch

	remoteTip, err := e.git.RemoteHead(ctx)
	if err != nil {
		return e.failed(oldCommit, "", err)
	}

	if !force && !needSwitch && remoteTip == oldCommit {
		// Nothing changed upstream: no backup, no deploy, no validation,
		// and no filesystem writes beyond lock bookkeeping.
		e.logger.Info("remote tip unchanged, nothing to do", "commit", oldCommit)
		return skipped("already up to date"), nil
	}

	e.guard.Snapshot()

	// The staging working tree is about to be mutated; nothing destructive
	// may proceed without a verified backup. Dry runs mutate only the
	// staging tree, which the next real run updates anyway.
	var snap *backup.Snapshot
	if !e.dryRun {
		snap, err = e.createBackup("pre-sync", oldCommit)
		if err != nil {
			return e.failed(oldCommit, "", err)
		}
	}

	if needSwitch {
		e.logger.Info("switching branch", "from", currentBranch, "to", e.cfg.Repo.Branch)
		if err := e.git.SwitchBranch(ctx, e.cfg.Repo.Branch); err != nil {
			return e.failed(oldCommit, "", err)
		}
	}

	if err := e.git.Update(ctx); err != nil {
		return e.failed(oldCommit, "", err)
	}

	newCommit, err := e.git.Head(ctx)
	if err != nil {
		return e.failed(oldCommit, "", err)
	}

	if !force && newCommit == oldCommit && !needSwitch {
		e.logger.Info("update produced no new commit", "commit", oldCommit)
		return skipped("already up to date"), nil
	}

	return e.deployAndValidateWith(ctx, oldCommit, newCommit, snap)
}

// deployAndValidate captures the pre-deploy snapshot with the given label,
// then continues the pipeline.
func (e *Engine) deployAndValidate(ctx context.Context, oldCommit, newCommit, backupLabel string) (*Result, error) {
	var snap *backup.Snapshot
	if !e.dryRun {
		var err error
		snap, err = e.createBackup(backupLabel, oldCommit)
		if err != nil {
			return e.failed(oldCommit, newCommit, err)
		}
	}
	return e.deployAndValidateWith(ctx, oldCommit, newCommit, snap)
}

// createBackup captures a pre-deploy snapshot. An empty capture is tolerated
// with a nil snapshot: protected paths are excluded from backups, so an
// empty live directory has nothing deployable to lose, and rollback then
// means removing whatever the deploy added.
func (e *Engine) createBackup(label, oldCommit string) (*backup.Snapshot, error) {
	snap, err := e.backups.Create(label, oldCommit)
	if err != nil {
		var verify *backup.VerifyError
		if errors.As(err, &verify) && verify.Empty {
			e.logger.Info("live directory empty, deploying without backup")
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

// deployAndValidateWith runs preflight, deploy, and validation against an
// already-captured pre-deploy snapshot.
func (e *Engine) deployAndValidateWith(ctx context.Context, oldCommit, newCommit string, snap *backup.Snapshot) (*Result, error) {
	// Independent second check: refuse commits that track protected
	// paths, before anything touches the live directory.
	tracked, err := e.git.LsFiles(ctx)
	if err != nil {
		return e.failed(oldCommit, newCommit, err)
	}
	if err := e.guard.Preflight(tracked); err != nil {
		return e.failed(oldCommit, newCommit, err)
	}

	plan, err := e.deploys.Plan()
	if err != nil {
		return e.failed(oldCommit, newCommit, err)
	}
	e.logger.Info("deploy plan",
		"add", len(plan.Add),
		"update", len(plan.Update),
		"delete", len(plan.Delete))

	if e.dryRun {
		e.deploys.LogPlan(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return skipped("dry run"), nil
	}

	if plan.Empty() {
		e.logger.Info("live directory already matches staging tree")
		e.finish(ctx)
		return &Result{Outcome: OutcomeSkipped, OldCommit: oldCommit, NewCommit: newCommit, Reason: "no file changes"}, nil
	}

	// No deploy step begins before its backup is verified. The marker
	// records the snapshot and the planned additions, and stays on disk
	// until the run's outcome is settled: a crash anywhere between deploy
	// and validation (or mid-rollback) is then undone on the next startup.
	planned := make([]string, 0, len(plan.Add))
	for _, op := range plan.Add {
		planned = append(planned, op.Rel)
	}
	if err := e.backups.WriteMarker(snap, planned); err != nil {
		return e.failed(oldCommit, newCommit, err)
	}

	applied, err := e.deploys.Apply(plan)
	if err != nil {
		e.logger.Error("deploy failed part-way, rolling back", "error", err)
		e.rollbackLive(snap, applied.Added)
		e.clearMarker()
		return e.rolledBack(oldCommit, newCommit, fmt.Sprintf("deploy failed: %v", err))
	}

	// Unconditional post-operation check on every exit path.
	if err := e.guard.Verify(); err != nil {
		e.logger.Error("integrity violation after deploy, restoring", "error", err)
		e.rollbackLive(snap, applied.Added)
		e.clearMarker()
		return e.failed(oldCommit, newCommit, err)
	}

	if err := e.gate.Validate(ctx); err != nil {
		e.logger.Error("validation failed, rolling back deploy", "error", err)
		e.rollbackLive(snap, applied.Added)
		e.clearMarker()
		if oldCommit != "" {
			if resetErr := e.git.ResetTo(ctx, oldCommit); resetErr != nil {
				e.logger.Error("failed to revert staging tree", "error", resetErr)
			}
		}
		e.gate.RevalidateReverted(ctx)
		return e.rolledBack(oldCommit, newCommit, err.Error())
	}
	// Deploy accepted; the marker has nothing left to undo.
	e.clearMarker()

	result := &Result{Outcome: OutcomeDeployed, OldCommit: oldCommit, NewCommit: newCommit}

	changed := applied.Changed()
	if oldCommit != "" {
		if diff, err := e.git.DiffNames(ctx, oldCommit, newCommit); err == nil {
			changed = diff
		} else {
			e.logger.Warn("failed to diff commits, deciding restart from deploy set", "error", err)
		}
	}

	should, reason := e.gate.ShouldRestart(changed)
	if should {
		e.logger.Info("restart warranted", "reason", reason)
		if err := e.gate.Restart(ctx); err != nil {
			// The accepted deploy stands; the restart failure is an
			// operational problem, not a rollback trigger.
			e.logger.Error("restart failed", "error", err)
		} else {
			result.Restarted = true
		}
	} else {
		e.logger.Info("restart skipped", "reason", reason)
	}

	e.finish(ctx)

	e.logger.Info("sync completed",
		"old_commit", oldCommit,
		"new_commit", newCommit,
		"restarted", result.Restarted)
	return result, nil
}

// finish runs post-success housekeeping. Failures here are logged, never
// fatal: the deploy already stands.
func (e *Engine) finish(ctx context.Context) {
	if e.cfg.Repo.Prune {
		if err := e.git.Prune(ctx); err != nil {
			e.logger.Warn("staging repository gc failed", "error", err)
		}
	}
	if err := e.backups.Cleanup(); err != nil {
		e.logger.Warn("backup cleanup failed", "error", err)
	}
}

// rollbackLive restores the live directory to its pre-deploy state: restore
// the snapshot's files and remove what the deploy added.
func (e *Engine) rollbackLive(snap *backup.Snapshot, added []string) {
	if snap != nil {
		if err := e.backups.Restore(snap, added); err != nil {
			e.logger.Error("restore from backup failed", "error", err, "dir", snap.Dir)
		}
		return
	}
	// First deploy into an empty live directory: undo means removing what
	// was added.
	for _, rel := range added {
		path := filepath.Join(e.cfg.Paths.LiveDir, filepath.FromSlash(rel))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.logger.Error("failed to remove deployed file during rollback", "path", rel, "error", err)
		}
	}
}

func (e *Engine) clearMarker() {
	if err := e.backups.ClearMarker(); err != nil {
		e.logger.Warn("failed to clear deploy marker", "error", err)
	}
}

func (e *Engine) failed(oldCommit, newCommit string, err error) (*Result, error) {
	e.logger.Error("sync failed",
		"kind", failureKind(err),
		"error", err)
	return &Result{
		Outcome:   OutcomeFailed,
		OldCommit: oldCommit,
		NewCommit: newCommit,
		Reason:    err.Error(),
	}, err
}

func (e *Engine) rolledBack(oldCommit, newCommit, reason string) (*Result, error) {
	e.logger.Warn("sync rolled back", "reason", reason)
	return &Result{
		Outcome:   OutcomeRolledBack,
		OldCommit: oldCommit,
		NewCommit: newCommit,
		Reason:    reason,
	}, nil
}

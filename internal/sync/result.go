package sync

import (
	"errors"

	"github.com/dylanl321/hasyncd/internal/backup"
	"github.com/dylanl321/hasyncd/internal/gate"
	"github.com/dylanl321/hasyncd/internal/git"
	"github.com/dylanl321/hasyncd/internal/guard"
)

// Outcome classifies what one orchestration pass did.
type Outcome string

const (
	// OutcomeSkipped means nothing was deployed: lock contention, an
	// unchanged remote tip, or a dry run.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDeployed means the new commit was deployed and accepted.
	OutcomeDeployed Outcome = "deployed"
	// OutcomeFailed means the run aborted; the live directory was left in
	// its previously-known-good state.
	OutcomeFailed Outcome = "failed"
	// OutcomeRolledBack means a deploy happened and was reverted.
	OutcomeRolledBack Outcome = "rolled-back"
)

// Result is the outcome of one orchestration pass.
type Result struct {
	Outcome   Outcome
	OldCommit string
	NewCommit string
	Reason    string
	// Restarted reports whether the external restart action ran.
	Restarted bool
}

func skipped(reason string) *Result {
	return &Result{Outcome: OutcomeSkipped, Reason: reason}
}

// failureKind maps an error to the taxonomy operators grep for.
func failureKind(err error) string {
	var branchErr *git.BranchNotFoundError
	var remoteErr *git.RemoteMismatchError
	var mergeErr *git.MergeConflictError
	var integrityErr *guard.IntegrityError
	var backupErr *backup.VerifyError
	var validationErr *gate.ValidationError

	switch {
	case errors.As(err, &remoteErr):
		return "config-mismatch"
	case errors.As(err, &branchErr):
		return "branch-not-found"
	case errors.As(err, &mergeErr):
		return "merge-conflict"
	case errors.As(err, &integrityErr):
		return "integrity-violation"
	case errors.As(err, &backupErr):
		return "backup-failure"
	case errors.As(err, &validationErr):
		return "validation-failure"
	default:
		return "error"
	}
}

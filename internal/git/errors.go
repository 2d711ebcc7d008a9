package git

import (
	"fmt"
	"strings"
)

// BranchNotFoundError reports that the configured branch does not exist on
// the remote. It names the branches that do, so the misconfiguration is
// obvious from the log alone.
type BranchNotFoundError struct {
	Branch    string
	Available []string
}

func (e *BranchNotFoundError) Error() string {
	return fmt.Sprintf("branch %q not found on remote, available: %s", e.Branch, strings.Join(e.Available, ", "))
}

// RemoteMismatchError reports that the staging repository's configured remote
// URL disagrees with the configuration. This is never auto-corrected: silently
// repointing the remote would reconcile against the wrong upstream.
type RemoteMismatchError struct {
	Remote     string
	Configured string
	Actual     string
}

func (e *RemoteMismatchError) Error() string {
	return fmt.Sprintf("remote %q is %q but configuration expects %q", e.Remote, e.Actual, e.Configured)
}

// MergeConflictError reports that a fast-forward update failed twice: once on
// the initial merge and once more after aborting and resetting tracked state.
type MergeConflictError struct {
	Branch string
	Output string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of %q failed after retry: %s", e.Branch, strings.TrimSpace(e.Output))
}

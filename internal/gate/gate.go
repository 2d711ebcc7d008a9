package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dylanl321/hasyncd/internal/pathmatch"
	"github.com/dylanl321/hasyncd/internal/supervisor"
)

// Gate decides what happens after a deploy: whether the new configuration is
// accepted, and whether acceptance warrants a restart of the application.
type Gate struct {
	sup    supervisor.Supervisor
	ignore *pathmatch.Set
	logger *slog.Logger
}

// ValidationError reports that the external validator rejected the deployed
// configuration.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// New creates a gate using the given supervisor and restart ignore list.
// Ignore entries are exact relative paths or directory prefixes, never
// patterns.
func New(sup supervisor.Supervisor, ignore []string, logger *slog.Logger) *Gate {
	return &Gate{
		sup:    sup,
		ignore: pathmatch.NewSet(ignore),
		logger: logger,
	}
}

// Validate runs the external validator against the deployed configuration.
func (g *Gate) Validate(ctx context.Context) error {
	g.logger.Info("validating deployed configuration")
	if err := g.sup.Validate(ctx); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// RevalidateReverted re-runs the validator once after a rollback, purely for
// diagnostic logging. The rollback already stands; a second failure changes
// nothing.
func (g *Gate) RevalidateReverted(ctx context.Context) {
	if err := g.sup.Validate(ctx); err != nil {
		g.logger.Error("reverted configuration still fails validation", "error", err)
		return
	}
	g.logger.Info("reverted configuration validates cleanly")
}

// ShouldRestart reports whether the changed file set warrants a restart. If
// every changed file matches the ignore list, the restart is skipped and the
// reason says so.
func (g *Gate) ShouldRestart(changed []string) (bool, string) {
	if len(changed) == 0 {
		return false, "no files changed"
	}
	if g.ignore.Empty() {
		return true, fmt.Sprintf("%d file(s) changed", len(changed))
	}
	if g.ignore.MatchesAll(changed) {
		return false, fmt.Sprintf("all %d changed file(s) match the restart ignore list: %s",
			len(changed), strings.Join(changed, ", "))
	}

	var triggering []string
	for _, f := range changed {
		if !g.ignore.Matches(f) {
			triggering = append(triggering, f)
		}
	}
	return true, fmt.Sprintf("%d changed file(s) outside the ignore list: %s",
		len(triggering), strings.Join(triggering, ", "))
}

// Restart invokes the external restart action exactly once. A failure is the
// caller's to log; the accepted deploy stands either way.
func (g *Gate) Restart(ctx context.Context) error {
	g.logger.Info("restarting application")
	return g.sup.Restart(ctx)
}

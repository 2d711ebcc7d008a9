package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Supervisor provides the two external actions the pipeline needs from the
// running application's management layer: a pass/fail validation probe and a
// restart. Both are black boxes; exit status and output are the only signals.
type Supervisor interface {
	// Validate runs the external configuration check. A non-nil error
	// means the deployed configuration is broken.
	Validate(ctx context.Context) error
	// Restart triggers the external restart action.
	Restart(ctx context.Context) error
}

// ShellClient implements Supervisor by running the configured commands
// through the shell in the live directory.
type ShellClient struct {
	workDir         string
	validateCommand string
	restartCommand  string
}

// NewShellClient creates a supervisor client running the given commands in
// workDir.
func NewShellClient(workDir, validateCommand, restartCommand string) *ShellClient {
	return &ShellClient{
		workDir:         workDir,
		validateCommand: validateCommand,
		restartCommand:  restartCommand,
	}
}

// Validate runs the configured validation command.
func (c *ShellClient) Validate(ctx context.Context) error {
	if err := c.runShell(ctx, c.validateCommand); err != nil {
		return fmt.Errorf("validation command failed: %w", err)
	}
	return nil
}

// Restart runs the configured restart command.
func (c *ShellClient) Restart(ctx context.Context) error {
	if err := c.runShell(ctx, c.restartCommand); err != nil {
		return fmt.Errorf("restart command failed: %w", err)
	}
	return nil
}

func (c *ShellClient) runShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = c.workDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Package activation picks up a listening socket handed over by the service
// manager (systemd socket activation), letting the webhook server start
// without binding a port itself.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Listener returns the socket passed via LISTEN_PID/LISTEN_FDS, or nil when
// no socket was handed over to this process. The webhook server listens on
// exactly one address, so more than one activated socket is an error.
func Listener() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Handover is meant for a different process
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}
	if numFDs > 1 {
		return nil, fmt.Errorf("expected one activated socket, got %d", numFDs)
	}

	// The service manager passes file descriptors starting at fd 3
	// (0=stdin, 1=stdout, 2=stderr)
	const activatedFD = 3

	file := os.NewFile(uintptr(activatedFD), "activated-socket")
	if file == nil {
		return nil, fmt.Errorf("failed to open fd %d", activatedFD)
	}

	listener, err := net.FileListener(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", activatedFD, err)
	}

	// The listener duplicated the descriptor and owns its copy
	_ = file.Close()

	// Children must not inherit the activation environment
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listener, nil
}

package activation

import (
	"os"
	"strconv"
	"testing"
)

func TestListenerNoEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	_ = os.Unsetenv("LISTEN_PID")

	listener, err := Listener()
	if err != nil {
		t.Fatalf("Listener() unexpected error: %v", err)
	}
	if listener != nil {
		t.Errorf("expected nil listener without activation env, got %v", listener)
	}
}

func TestListenerWrongPID(t *testing.T) {
	t.Setenv("LISTEN_PID", "99999")
	t.Setenv("LISTEN_FDS", "1")

	listener, err := Listener()
	if err != nil {
		t.Fatalf("Listener() unexpected error: %v", err)
	}
	if listener != nil {
		t.Errorf("expected nil listener when PID doesn't match, got %v", listener)
	}
}

func TestListenerInvalidPID(t *testing.T) {
	t.Setenv("LISTEN_PID", "not-a-number")
	t.Setenv("LISTEN_FDS", "1")

	if _, err := Listener(); err == nil {
		t.Error("expected error for invalid LISTEN_PID, got nil")
	}
}

func TestListenerInvalidFDS(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "not-a-number")

	if _, err := Listener(); err == nil {
		t.Error("expected error for invalid LISTEN_FDS, got nil")
	}
}

func TestListenerZeroFDs(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "0")

	listener, err := Listener()
	if err != nil {
		t.Fatalf("Listener() unexpected error: %v", err)
	}
	if listener != nil {
		t.Errorf("expected nil listener when LISTEN_FDS=0, got %v", listener)
	}
}

func TestListenerTooManyFDs(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "2")

	if _, err := Listener(); err == nil {
		t.Error("expected error for more than one activated socket, got nil")
	}
}

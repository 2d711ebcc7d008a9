package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	client := NewShellClient(dir, "true", "true")
	if err := client.Validate(ctx); err != nil {
		t.Errorf("expected passing validation, got %v", err)
	}

	client = NewShellClient(dir, "echo broken config >&2; exit 1", "true")
	err := client.Validate(ctx)
	if err == nil {
		t.Fatal("expected failing validation")
	}
	if !strings.Contains(err.Error(), "broken config") {
		t.Errorf("error does not carry command output: %v", err)
	}
}

func TestCommandsRunInWorkDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	client := NewShellClient(dir, "pwd > where.txt", "true")
	if err := client.Validate(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "where.txt"))
	if err != nil {
		t.Fatal(err)
	}
	want, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	gotDir, err := filepath.EvalSymlinks(strings.TrimSpace(string(got)))
	if err != nil {
		t.Fatal(err)
	}
	if gotDir != want {
		t.Errorf("command ran in %s, want %s", gotDir, want)
	}
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	client := NewShellClient(dir, "true", "touch restarted")
	if err := client.Restart(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "restarted")); err != nil {
		t.Error("restart command did not run")
	}

	client = NewShellClient(dir, "true", "exit 7")
	if err := client.Restart(ctx); err == nil {
		t.Error("expected restart failure to surface")
	}
}

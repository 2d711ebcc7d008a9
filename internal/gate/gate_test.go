package gate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
)

// mockSupervisor implements supervisor.Supervisor for testing.
type mockSupervisor struct {
	validateErr   error
	restartErr    error
	validateCalls int
	restartCalls  int
}

func (m *mockSupervisor) Validate(_ context.Context) error {
	m.validateCalls++
	return m.validateErr
}

func (m *mockSupervisor) Restart(_ context.Context) error {
	m.restartCalls++
	return m.restartErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	sup := &mockSupervisor{}
	g := New(sup, nil, testLogger())
	if err := g.Validate(ctx); err != nil {
		t.Errorf("expected pass, got %v", err)
	}

	sup = &mockSupervisor{validateErr: errors.New("bad yaml")}
	g = New(sup, nil, testLogger())
	err := g.Validate(ctx)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestShouldRestartIgnoreListExactness(t *testing.T) {
	ignore := []string{"ui-lovelace.yaml", "exampledirectory/", ".gitignore"}

	tests := []struct {
		name    string
		changed []string
		want    bool
	}{
		{
			name:    "all changed files ignored",
			changed: []string{"ui-lovelace.yaml", "exampledirectory/x.txt"},
			want:    false,
		},
		{
			name:    "one file outside the list",
			changed: []string{"ui-lovelace.yaml", "exampledirectory/x.txt", "a.b.c"},
			want:    true,
		},
		{
			name:    "dot in ignore entry is literal",
			changed: []string{"ui-lovelacexyaml"},
			want:    true,
		},
		{
			name:    "directory prefix is segment-exact",
			changed: []string{"exampledirectory2/x.txt"},
			want:    true,
		},
		{
			name:    "nested ignored directory",
			changed: []string{"exampledirectory/deep/nested.txt"},
			want:    false,
		},
		{
			name:    "no changes",
			changed: nil,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(&mockSupervisor{}, ignore, testLogger())
			got, reason := g.ShouldRestart(tt.changed)
			if got != tt.want {
				t.Errorf("ShouldRestart(%v) = %v (%s), want %v", tt.changed, got, reason, tt.want)
			}
			if reason == "" {
				t.Error("expected a reason string")
			}
		})
	}
}

func TestShouldRestartEmptyIgnoreList(t *testing.T) {
	g := New(&mockSupervisor{}, nil, testLogger())
	got, _ := g.ShouldRestart([]string{"configuration.yaml"})
	if !got {
		t.Error("expected restart with empty ignore list")
	}
}

func TestShouldRestartReasonNamesTriggeringFiles(t *testing.T) {
	g := New(&mockSupervisor{}, []string{"ui-lovelace.yaml"}, testLogger())
	got, reason := g.ShouldRestart([]string{"ui-lovelace.yaml", "automations.yaml"})
	if !got {
		t.Fatal("expected restart")
	}
	if !strings.Contains(reason, "automations.yaml") {
		t.Errorf("reason %q does not name the triggering file", reason)
	}
	if strings.Contains(reason, "ui-lovelace.yaml") {
		t.Errorf("reason %q names an ignored file as triggering", reason)
	}
}

func TestRevalidateRevertedNeverFails(t *testing.T) {
	ctx := context.Background()

	// A second validation failure after rollback is diagnostic only.
	sup := &mockSupervisor{validateErr: errors.New("still broken")}
	g := New(sup, nil, testLogger())
	g.RevalidateReverted(ctx)
	if sup.validateCalls != 1 {
		t.Errorf("expected exactly one diagnostic validation, got %d", sup.validateCalls)
	}
}

func TestRestartInvokedOnce(t *testing.T) {
	ctx := context.Background()
	sup := &mockSupervisor{}
	g := New(sup, nil, testLogger())

	if err := g.Restart(ctx); err != nil {
		t.Fatal(err)
	}
	if sup.restartCalls != 1 {
		t.Errorf("expected exactly one restart call, got %d", sup.restartCalls)
	}
}

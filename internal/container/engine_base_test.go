// SPDX-License-Identifier: MPL-2.0

package container

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("/usr/bin/docker")
	tests := []struct {
		name string
		opts BuildOptions
		want []string
	}{
		{
			name: "minimal",
			opts: BuildOptions{ContextDir: "/ctx"},
			want: []string{"build", "/ctx"},
		},
		{
			name: "relative dockerfile joined to context",
			opts: BuildOptions{ContextDir: "/ctx", Dockerfile: "Dockerfile", Tag: "t:1", NoCache: true},
			want: []string{"build", "-f", "/ctx/Dockerfile", "-t", "t:1", "--no-cache", "/ctx"},
		},
		{
			name: "absolute dockerfile kept",
			opts: BuildOptions{ContextDir: "/ctx", Dockerfile: "/other/Dockerfile"},
			want: []string{"build", "-f", "/other/Dockerfile", "/ctx"},
		},
		{
			name: "labels sorted",
			opts: BuildOptions{
				ContextDir: "/ctx",
				Labels:     map[string]string{"b": "x", "a": "y"},
			},
			want: []string{"build", "--label", "a=y", "--label", "b=x", "/ctx"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tt.want, e.BuildArgs(tt.opts)); diff != "" {
				t.Errorf("BuildArgs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunArgs(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("/usr/bin/podman")
	got := e.RunArgs(RunOptions{
		Image:   "img",
		Command: []string{"sudo", "-n", "true"},
		Remove:  true,
		User:    "sky",
	})
	want := []string{"run", "--rm", "--user", "sky", "img", "sudo", "-n", "true"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RunArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveImageArgs(t *testing.T) {
	t.Parallel()

	e := NewBaseCLIEngine("docker")
	if diff := cmp.Diff([]string{"rmi", "img"}, e.RemoveImageArgs("img", false)); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]string{"rmi", "-f", "img"}, e.RemoveImageArgs("img", true)); diff != "" {
		t.Error(diff)
	}
}

func TestNewEngine_UnknownType(t *testing.T) {
	t.Parallel()

	if _, err := NewEngine("lxc"); err == nil {
		t.Error("expected error for unknown engine type")
	}
}

func TestErrEngineNotAvailable(t *testing.T) {
	t.Parallel()

	err := error(&ErrEngineNotAvailable{Engine: "podman", Reason: "not installed"})
	var target *ErrEngineNotAvailable
	if !errors.As(err, &target) || target.Engine != "podman" {
		t.Errorf("errors.As failed for %v", err)
	}
	if want := "container engine 'podman' is not available: not installed"; err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

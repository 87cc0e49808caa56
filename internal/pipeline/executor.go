// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nodeforge/nodeforge/internal/container"
	"github.com/nodeforge/nodeforge/internal/hostkeys"
	"github.com/nodeforge/nodeforge/internal/payload"
	"github.com/nodeforge/nodeforge/internal/recipe"
	"github.com/nodeforge/nodeforge/internal/retry"
)

const (
	defaultBuildAttempts = 3
	defaultBuildBackoff  = 2 * time.Second
)

// ErrIdentityConflict is returned when the identity step finds an existing
// account whose home or shell differ from the requested identity.
var ErrIdentityConflict = errors.New("identity conflict")

type (
	// Job is one step to build.
	Job struct {
		BuildID string
		Step    recipe.StepName
		Digest  string
		// Dockerfile builds the step on top of its parent image.
		Dockerfile string
		Inputs     []recipe.Input
		// Ref is the image tag the built layer is committed under.
		Ref string
		// NoCache bypasses the engine's own build cache.
		NoCache bool
	}

	// Executor materializes layers.
	Executor interface {
		// Exists reports whether the image ref is present.
		Exists(ctx context.Context, ref string) (bool, error)
		// Execute builds the job and tags it as job.Ref.
		Execute(ctx context.Context, job Job) error
		// Tag applies target as an extra name of ref.
		Tag(ctx context.Context, ref, target string) error
		// Check runs c in a throwaway container of ref.
		Check(ctx context.Context, ref string, c Check) error
		// Remove deletes the image ref.
		Remove(ctx context.Context, ref string) error
	}

	// EngineExecutor builds layers through a container engine.
	EngineExecutor struct {
		engine container.Engine
		// ContextParent is where per-step build contexts are created. Empty
		// picks a visible directory under $HOME.
		ContextParent string
		// Output receives build output as it streams. Nil discards it.
		Output   io.Writer
		Attempts int
		Backoff  time.Duration
		logger   *log.Logger
	}

	// ExecutorOption configures an EngineExecutor.
	ExecutorOption func(*EngineExecutor)
)

var _ Executor = (*EngineExecutor)(nil)

// WithContextParent sets the directory build contexts are created in.
func WithContextParent(dir string) ExecutorOption {
	return func(e *EngineExecutor) { e.ContextParent = dir }
}

// WithOutput streams build output to w.
func WithOutput(w io.Writer) ExecutorOption {
	return func(e *EngineExecutor) { e.Output = w }
}

// WithRetry sets how often a transient build failure is retried.
func WithRetry(attempts int, backoff time.Duration) ExecutorOption {
	return func(e *EngineExecutor) {
		e.Attempts = attempts
		e.Backoff = backoff
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *log.Logger) ExecutorOption {
	return func(e *EngineExecutor) { e.logger = l }
}

// NewEngineExecutor returns an executor driving engine.
func NewEngineExecutor(engine container.Engine, opts ...ExecutorOption) *EngineExecutor {
	e := &EngineExecutor{
		engine:   engine,
		Attempts: defaultBuildAttempts,
		Backoff:  defaultBuildBackoff,
		logger:   log.NewWithOptions(io.Discard, log.Options{Prefix: "executor"}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *EngineExecutor) Exists(ctx context.Context, ref string) (bool, error) {
	return e.engine.ImageExists(ctx, ref)
}

func (e *EngineExecutor) Tag(ctx context.Context, ref, target string) error {
	return e.engine.Tag(ctx, ref, target)
}

func (e *EngineExecutor) Remove(ctx context.Context, ref string) error {
	return e.engine.RemoveImage(ctx, ref, true)
}

func (e *EngineExecutor) Check(ctx context.Context, ref string, c Check) error {
	var out bytes.Buffer
	w := io.Writer(&out)
	if e.Output != nil {
		w = io.MultiWriter(&out, e.Output)
	}
	res, err := e.engine.Run(ctx, container.RunOptions{
		Image:   ref,
		User:    c.User,
		Command: c.Command,
		Remove:  true,
		Stdout:  w,
		Stderr:  w,
	})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited with status %d: %s", strings.Join(c.Command, " "), res.ExitCode, strings.TrimSpace(out.String()))
	}
	return nil
}

func (e *EngineExecutor) Execute(ctx context.Context, job Job) error {
	dir, cleanup, err := e.prepareBuildContext(job)
	if err != nil {
		return err
	}
	defer cleanup()

	var out bytes.Buffer
	w := io.Writer(&out)
	if e.Output != nil {
		w = io.MultiWriter(&out, e.Output)
	}

	opts := container.BuildOptions{
		ContextDir: dir,
		Dockerfile: "Dockerfile",
		Tag:        job.Ref,
		NoCache:    job.NoCache,
		Labels: map[string]string{
			"nodeforge.build":  job.BuildID,
			"nodeforge.digest": job.Digest,
			"nodeforge.step":   string(job.Step),
		},
		Stdout: w,
		Stderr: w,
	}

	err = retry.Do(ctx, e.Attempts, e.Backoff, func(attempt int) (bool, error) {
		if attempt > 0 {
			e.logger.Warn("retrying build", "step", job.Step, "attempt", attempt+1)
		}
		out.Reset()
		berr := e.engine.Build(ctx, opts)
		if berr == nil {
			return false, nil
		}
		if strings.Contains(out.String(), recipe.IdentityConflictMarker) {
			return false, fmt.Errorf("%w: %s", ErrIdentityConflict, conflictLine(out.String()))
		}
		return container.IsTransientError(berr) || container.IsTransientError(errors.New(out.String())), berr
	})
	return err
}

func conflictLine(output string) string {
	for line := range strings.Lines(output) {
		if i := strings.Index(line, recipe.IdentityConflictMarker); i >= 0 {
			return strings.TrimSpace(line[i:])
		}
	}
	return recipe.IdentityConflictMarker
}

// prepareBuildContext creates a per-step context holding the Dockerfile and
// the step's staged inputs.
//
// Docker installed via Snap cannot read /tmp or hidden directories under
// $HOME, so the default parent is a visible directory in the home.
func (e *EngineExecutor) prepareBuildContext(job Job) (dir string, cleanup func(), err error) {
	parent := e.ContextParent
	if parent == "" {
		parent = defaultContextParent()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create build context parent directory: %w", err)
	}

	dir, err = os.MkdirTemp(parent, "ctx-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create build context: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	for _, in := range job.Inputs {
		if err := stageInput(in, filepath.Join(dir, in.ContextDir)); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("stage %s: %w", in.Name, err)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(job.Dockerfile), 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return dir, cleanup, nil
}

func defaultContextParent() string {
	if home, err := os.UserHomeDir(); err == nil {
		if _, err := os.Stat(home); err == nil {
			return filepath.Join(home, "nodeforge-build")
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, ".nodeforge-build")
	}
	return filepath.Join(os.TempDir(), "nodeforge-build")
}

func stageInput(in recipe.Input, dst string) error {
	switch in.Name {
	case recipe.InputHostKeys:
		keys, err := hostkeys.Load(in.Source)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		for _, k := range keys {
			for _, p := range []string{k.PrivatePath, k.PublicPath} {
				if err := payload.CopyFile(p, filepath.Join(dst, filepath.Base(p))); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return payload.New(in.Source, in.Ignore...).Stage(dst)
	}
}

// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/nodeforge/nodeforge/internal/hostkeys"
	"github.com/nodeforge/nodeforge/internal/layer"
	"github.com/nodeforge/nodeforge/internal/payload"
	"github.com/nodeforge/nodeforge/internal/recipe"
)

const (
	StatePending State = "pending"
	StateCached  State = "cached"
	StateBuilt   State = "built"
	StateFailed  State = "failed"
	StateSkipped State = "skipped"
)

// ErrStepFailed is matched by every step failure returned from Run.
var ErrStepFailed = errors.New("step failed")

type (
	// State is where a step stands in a build.
	State string

	// StepResult is the outcome of one step.
	StepResult struct {
		Step     recipe.StepName
		Digest   string
		Image    string
		State    State
		Duration time.Duration
		Err      error
	}

	// Result is the outcome of a build.
	Result struct {
		BuildID string
		Steps   []StepResult
		// Image is the top layer, or the final tag once applied.
		Image string
	}

	// StepError reports the step a build stopped at.
	StepError struct {
		Step recipe.StepName
		Err  error
	}

	// Observer is notified as steps and builds finish.
	Observer interface {
		ObserveStep(step string, state string, d time.Duration)
		ObserveBuild(success bool)
	}

	// Builder runs recipes against an Executor and a layer Cache.
	Builder struct {
		Executor Executor
		Cache    layer.Cache
		// Tag is applied to the top layer after every step committed.
		Tag string
		// ForceRebuild ignores cache hits and the engine's build cache.
		ForceRebuild bool
		// Checks run against the top layer before Tag is applied, whenever
		// any layer was rebuilt.
		Checks []Check
		Observer     Observer
		Logger       *log.Logger
		Now          func() time.Time
	}
)

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrStepFailed }

// Executed reports whether any step had to be built.
func (r *Result) Executed() bool {
	for _, s := range r.Steps {
		if s.State == StateBuilt {
			return true
		}
	}
	return false
}

// InputDigests hashes the host content every step input refers to.
func InputDigests(ctx context.Context, r *recipe.Recipe) (map[string]string, error) {
	digests := make(map[string]string)
	for _, s := range r.Steps {
		for _, in := range s.Inputs {
			var (
				d   string
				err error
			)
			switch in.Name {
			case recipe.InputHostKeys:
				keys, lerr := hostkeys.Load(in.Source)
				if lerr != nil {
					return nil, lerr
				}
				if len(keys) == 0 {
					return nil, fmt.Errorf("no host keys in %s", in.Source)
				}
				d, err = hostkeys.Digest(in.Source)
			default:
				d, err = payload.New(in.Source, in.Ignore...).Digest(ctx)
			}
			if err != nil {
				return nil, fmt.Errorf("hash input %s: %w", in.Name, err)
			}
			digests[in.Name] = d
		}
	}
	return digests, nil
}

func (b *Builder) logger() *log.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return log.NewWithOptions(io.Discard, log.Options{})
}

func (b *Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Run builds r. The returned Result is populated even when err is non-nil.
func (b *Builder) Run(ctx context.Context, r *recipe.Recipe) (*Result, error) {
	res := &Result{BuildID: uuid.NewString()}
	logger := b.logger().With("build", res.BuildID)

	inputs, err := InputDigests(ctx, r)
	if err != nil {
		return res, err
	}
	plan, err := layer.Plan(r, inputs)
	if err != nil {
		return res, err
	}
	for _, p := range plan {
		res.Steps = append(res.Steps, StepResult{Step: p.Step.Name, Digest: p.Digest, Image: layer.ImageRef(p.Digest), State: StatePending})
	}

	rebuilding := b.ForceRebuild
	parentRef := r.Base
	for i, p := range plan {
		sr := &res.Steps[i]
		start := b.now()

		if !rebuilding {
			hit, lerr := b.lookup(ctx, p.Digest, sr.Image)
			if lerr != nil {
				logger.Warn("cache lookup failed", "step", p.Step.Name, "error", lerr)
			}
			if hit {
				sr.State = StateCached
				b.observeStep(sr, start)
				logger.Info("layer cached", "step", p.Step.Name, "digest", p.Digest[:12], "image", sr.Image)
				parentRef = sr.Image
				continue
			}
		}
		rebuilding = true

		logger.Info("building layer", "step", p.Step.Name, "digest", p.Digest[:12])
		if err := b.execute(ctx, r, res.BuildID, p, parentRef, sr.Image); err != nil {
			sr.State = StateFailed
			sr.Err = err
			b.observeStep(sr, start)
			for j := i + 1; j < len(res.Steps); j++ {
				res.Steps[j].State = StateSkipped
			}
			b.observeBuild(false)
			logger.Error("layer failed", "step", p.Step.Name, "error", err)
			return res, &StepError{Step: p.Step.Name, Err: err}
		}

		sr.State = StateBuilt
		b.observeStep(sr, start)
		logger.Info("layer committed", "step", p.Step.Name, "digest", p.Digest[:12], "image", sr.Image)
		parentRef = sr.Image
	}

	if rebuilding && len(b.Checks) > 0 {
		top := plan[len(plan)-1]
		if err := b.check(ctx, top.Digest, parentRef); err != nil {
			b.observeBuild(false)
			logger.Error("image check failed", "image", parentRef, "error", err)
			return res, err
		}
		logger.Info("image checks passed", "image", parentRef, "checks", len(b.Checks))
	}

	res.Image = parentRef
	if b.Tag != "" {
		if err := b.Executor.Tag(ctx, parentRef, b.Tag); err != nil {
			b.observeBuild(false)
			return res, fmt.Errorf("tag %s: %w", b.Tag, err)
		}
		res.Image = b.Tag
	}
	b.observeBuild(true)
	return res, nil
}

func (b *Builder) lookup(ctx context.Context, digest, ref string) (bool, error) {
	rec, ok, err := b.Cache.Lookup(ctx, digest)
	if err != nil || !ok {
		return false, err
	}
	exists, err := b.Executor.Exists(ctx, ref)
	if err != nil {
		return false, err
	}
	if !exists {
		// the image was pruned behind our back
		return false, b.Cache.Forget(ctx, rec.Digest)
	}
	return true, nil
}

// check runs b.Checks against ref. A failing image is evicted from the cache
// index and the engine, so the next build rebuilds and re-checks it.
func (b *Builder) check(ctx context.Context, digest, ref string) error {
	for _, c := range b.Checks {
		cerr := b.Executor.Check(ctx, ref, c)
		if cerr == nil {
			continue
		}
		if err := b.Cache.Forget(ctx, digest); err != nil {
			b.logger().Warn("could not forget layer", "digest", digest[:12], "error", err)
		}
		if err := b.Executor.Remove(ctx, ref); err != nil {
			b.logger().Warn("could not remove image", "image", ref, "error", err)
		}
		return fmt.Errorf("%w: %s: %w", ErrCheckFailed, c.Name, cerr)
	}
	return nil
}

func (b *Builder) execute(ctx context.Context, r *recipe.Recipe, buildID string, p layer.Planned, parentRef, ref string) error {
	df, err := r.StepDockerfile(p.Index, parentRef)
	if err != nil {
		return err
	}
	job := Job{
		BuildID:    buildID,
		Step:       p.Step.Name,
		Digest:     p.Digest,
		Dockerfile: df,
		Inputs:     p.Step.Inputs,
		Ref:        ref,
		NoCache:    b.ForceRebuild,
	}
	if err := b.Executor.Execute(ctx, job); err != nil {
		return err
	}
	return b.Cache.Commit(ctx, layer.Record{
		Digest:      p.Digest,
		Step:        p.Step.Name,
		Parent:      p.Parent,
		Image:       ref,
		CommittedAt: b.now().UTC(),
	})
}

func (b *Builder) observeStep(sr *StepResult, start time.Time) {
	sr.Duration = b.now().Sub(start)
	if b.Observer != nil {
		b.Observer.ObserveStep(string(sr.Step), string(sr.State), sr.Duration)
	}
}

func (b *Builder) observeBuild(success bool) {
	if b.Observer != nil {
		b.Observer.ObserveBuild(success)
	}
}

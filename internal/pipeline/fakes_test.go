// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nodeforge/nodeforge/internal/recipe"
)

type (
	fakeExecutor struct {
		mu     sync.Mutex
		images map[string]bool
		jobs   []Job
		tags   map[string]string
		// failAt makes Execute fail for the named step.
		failAt  recipe.StepName
		failErr error
		// checkErrs fails the named checks.
		checkErrs map[string]error
		checks    []string
		removed   []string
	}

	stepObservation struct {
		step, state string
	}

	fakeObserver struct {
		steps  []stepObservation
		builds []bool
	}
)

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{images: make(map[string]bool), tags: make(map[string]string)}
}

func (f *fakeExecutor) Exists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeExecutor) Execute(_ context.Context, job Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if job.Step == f.failAt {
		return f.failErr
	}
	f.images[job.Ref] = true
	return nil
}

func (f *fakeExecutor) Tag(_ context.Context, ref, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[target] = ref
	return nil
}

func (f *fakeExecutor) Check(_ context.Context, ref string, c Check) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, c.Name)
	return f.checkErrs[c.Name]
}

func (f *fakeExecutor) Remove(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	delete(f.images, ref)
	return nil
}

func (f *fakeExecutor) executed() []recipe.StepName {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []recipe.StepName
	for _, j := range f.jobs {
		names = append(names, j.Step)
	}
	return names
}

func (f *fakeExecutor) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.checks = nil
	f.tags = make(map[string]string)
}

func (o *fakeObserver) ObserveStep(step, state string, _ time.Duration) {
	o.steps = append(o.steps, stepObservation{step, state})
}

func (o *fakeObserver) ObserveBuild(success bool) {
	o.builds = append(o.builds, success)
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// testRecipe returns a default recipe whose payload lives in a fresh temp dir.
func testRecipe(t *testing.T, files map[string]string) (*recipe.Recipe, string) {
	t.Helper()
	src := t.TempDir()
	all := map[string]string{
		"setup_files/setup.py": "from setuptools import setup\n",
		"cli.py":               "def main(): pass\n",
	}
	maps.Copy(all, files)
	writeFiles(t, src, all)

	opts := recipe.DefaultOptions()
	opts.Payload.Source = src
	r, err := recipe.New(opts)
	if err != nil {
		t.Fatalf("recipe.New: %v", err)
	}
	return r, src
}

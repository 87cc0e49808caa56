// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nodeforge/nodeforge/internal/dag"
)

// ErrInvalidRecipe is wrapped by structural validation errors.
var ErrInvalidRecipe = errors.New("invalid recipe")

// Recipe is an ordered list of steps on top of a base image. Every step
// produces exactly one committed layer.
type Recipe struct {
	Base    string
	Steps   []*Step
	Options Options
}

// New builds the worker image recipe and validates it.
func New(opts Options) (*Recipe, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	r := &Recipe{Base: opts.BaseImage, Options: opts}
	for _, build := range []func(Options) (*Step, error){
		baseStep,
		accessStep,
		identityStep,
		depsStep,
		payloadStep,
	} {
		s, err := build(opts)
		if err != nil {
			return nil, err
		}
		r.Steps = append(r.Steps, s)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Step returns the named step.
func (r *Recipe) Step(name StepName) (*Step, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Actions flattens the actions of every step in order.
func (r *Recipe) Actions() []Action {
	var out []Action
	for _, s := range r.Steps {
		out = append(out, s.Actions...)
	}
	return out
}

// Validate checks the recipe structure: unique steps, known prerequisites,
// steps ordered after their prerequisites, and action ordering rules.
func (r *Recipe) Validate() error {
	if r.Base == "" {
		return fmt.Errorf("%w: no base image", ErrInvalidRecipe)
	}
	if len(r.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidRecipe)
	}

	names := make([]StepName, 0, len(r.Steps))
	for _, s := range r.Steps {
		for _, n := range names {
			if n == s.Name {
				return fmt.Errorf("%w: step %q appears more than once", ErrInvalidRecipe, s.Name)
			}
		}
		names = append(names, s.Name)
		if len(s.Instructions) == 0 {
			return fmt.Errorf("%w: step %q has no instructions", ErrInvalidRecipe, s.Name)
		}
		for _, in := range s.Instructions {
			if in.Op == OpFrom {
				return fmt.Errorf("%w: step %q must not start a new stage", ErrInvalidRecipe, s.Name)
			}
		}
	}
	g, err := r.graph()
	if err != nil {
		return err
	}

	if err := g.CheckOrder(names); err != nil {
		var oe *dag.OrderError[StepName]
		if errors.As(err, &oe) {
			return &OrderViolationError{Action: string(oe.Node), Prerequisite: string(oe.Missing)}
		}
		return fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
	}

	return CheckOrder(r.Actions(), DefaultOrderRules())
}

// Order returns the step names sorted so that every step follows the steps it
// requires. Independent steps keep their recipe order.
func (r *Recipe) Order() ([]StepName, error) {
	g, err := r.graph()
	if err != nil {
		return nil, err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
	}
	return order, nil
}

// graph links every step to the steps it requires.
func (r *Recipe) graph() (*dag.Graph[StepName], error) {
	g := dag.New[StepName]()
	for _, s := range r.Steps {
		g.AddNode(s.Name)
	}
	for _, s := range r.Steps {
		for _, req := range s.Requires {
			if _, ok := r.Step(req); !ok {
				return nil, fmt.Errorf("%w: step %q requires unknown step %q", ErrInvalidRecipe, s.Name, req)
			}
			g.AddEdge(req, s.Name)
		}
	}
	return g, nil
}

// Dockerfile renders the whole recipe as a single Dockerfile.
func (r *Recipe) Dockerfile() string {
	var b strings.Builder
	b.WriteString(From(r.Base).String())
	b.WriteByte('\n')
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "\n# layer: %s\n", s.Name)
		renderInstructions(&b, s.Instructions)
	}
	return b.String()
}

// StepDockerfile renders step i alone on top of parentRef.
func (r *Recipe) StepDockerfile(i int, parentRef string) (string, error) {
	if i < 0 || i >= len(r.Steps) {
		return "", fmt.Errorf("%w: step index %d out of range", ErrInvalidRecipe, i)
	}
	var b strings.Builder
	b.WriteString(From(parentRef).String())
	b.WriteByte('\n')
	b.WriteString(r.Steps[i].Text())
	return b.String(), nil
}

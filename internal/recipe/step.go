// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"slices"
	"strings"
)

// The five layers of a worker image, bottom to top.
const (
	StepBase            StepName = "base"
	StepAccessBootstrap StepName = "access-bootstrap"
	StepIdentity        StepName = "identity"
	StepDeps            StepName = "deps"
	StepPayload         StepName = "payload"
)

// Build-context inputs.
const (
	InputPayload  = "payload"
	InputHostKeys = "hostkeys"
)

type (
	// StepName identifies a step and the layer it commits.
	StepName string

	// Input is host material a step copies from its build context. Source is
	// the host path; ContextDir is where it is staged inside the context.
	Input struct {
		Name       string
		Source     string
		ContextDir string
		Ignore     []string
	}

	// Step is one committed layer: its instructions and what they achieve.
	Step struct {
		Name         StepName
		Requires     []StepName
		Actions      []Action
		Instructions []Instruction
		Inputs       []Input
	}
)

// StepNames returns the canonical step order.
func StepNames() []StepName {
	return []StepName{StepBase, StepAccessBootstrap, StepIdentity, StepDeps, StepPayload}
}

// Text is the canonical instruction text of the step. It is the only part of
// the step that feeds the layer digest, together with its input digests.
func (s *Step) Text() string {
	var b strings.Builder
	renderInstructions(&b, s.Instructions)
	return b.String()
}

// HasAction reports whether the step performs a.
func (s *Step) HasAction(a Action) bool {
	return slices.Contains(s.Actions, a)
}

// Input returns the named input, if the step has one.
func (s *Step) Input(name string) (Input, bool) {
	for _, in := range s.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

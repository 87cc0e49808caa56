// SPDX-License-Identifier: MPL-2.0

// Package layer gives every recipe step a content address. A step's digest
// covers its parent's digest, its instruction text and the digests of the
// host inputs it copies, so a change anywhere invalidates that step and every
// step above it.
package layer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nodeforge/nodeforge/internal/recipe"
)

// ImageRepository is the local repository every committed layer is tagged in.
const ImageRepository = "nodeforge-layer"

// ErrMissingInput is returned by Plan when a step input has no digest.
var ErrMissingInput = errors.New("missing input digest")

type (
	// Record is a committed layer.
	Record struct {
		Digest      string          `toml:"digest"`
		Step        recipe.StepName `toml:"step"`
		Parent      string          `toml:"parent"`
		Image       string          `toml:"image"`
		CommittedAt time.Time       `toml:"committed_at"`
	}

	// Planned is a step with its resolved digest.
	Planned struct {
		Index  int
		Step   *recipe.Step
		Digest string
		// Parent is the digest of the previous step, or the base image
		// reference for the first step.
		Parent string
	}
)

// Digest chains parent, the step text and the input digests into one sha256.
func Digest(parent, text string, inputs ...string) string {
	h := sha256.New()
	fmt.Fprintf(h, "parent %s\n", parent)
	fmt.Fprintf(h, "text %d\n%s", len(text), text)
	for _, in := range inputs {
		fmt.Fprintf(h, "input %s\n", in)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ImageRef is the local tag for a layer digest.
func ImageRef(digest string) string {
	short := digest
	if len(short) > 12 {
		short = short[:12]
	}
	return ImageRepository + ":" + short
}

// Plan resolves the digest of every step in r. inputs maps an input name to
// the digest of its host content.
func Plan(r *recipe.Recipe, inputs map[string]string) ([]Planned, error) {
	planned := make([]Planned, 0, len(r.Steps))
	parent := r.Base
	for i, s := range r.Steps {
		ins := make([]string, 0, len(s.Inputs))
		for _, in := range s.Inputs {
			d, ok := inputs[in.Name]
			if !ok || d == "" {
				return nil, fmt.Errorf("%w: step %s needs %q", ErrMissingInput, s.Name, in.Name)
			}
			ins = append(ins, in.Name+"="+d)
		}
		d := Digest(parent, s.Text(), ins...)
		planned = append(planned, Planned{Index: i, Step: s, Digest: d, Parent: parent})
		parent = d
	}
	return planned, nil
}

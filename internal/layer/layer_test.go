// SPDX-License-Identifier: MPL-2.0

package layer

import (
	"errors"
	"strings"
	"testing"

	"github.com/nodeforge/nodeforge/internal/deps"
	"github.com/nodeforge/nodeforge/internal/recipe"
)

func mustPlan(t *testing.T, opts recipe.Options, inputs map[string]string) []Planned {
	t.Helper()
	r, err := recipe.New(opts)
	if err != nil {
		t.Fatalf("recipe.New: %v", err)
	}
	p, err := Plan(r, inputs)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return p
}

func payloadInputs(d string) map[string]string {
	return map[string]string{recipe.InputPayload: d}
}

func TestDigest_Chained(t *testing.T) {
	t.Parallel()

	a := Digest("p", "RUN x\n")
	if a != Digest("p", "RUN x\n") {
		t.Error("digest not deterministic")
	}
	for name, other := range map[string]string{
		"parent": Digest("q", "RUN x\n"),
		"text":   Digest("p", "RUN y\n"),
		"input":  Digest("p", "RUN x\n", "payload=1"),
	} {
		if other == a {
			t.Errorf("changing the %s did not change the digest", name)
		}
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d", len(a))
	}
}

func TestImageRef(t *testing.T) {
	t.Parallel()

	d := Digest("p", "t")
	if got, want := ImageRef(d), "nodeforge-layer:"+d[:12]; got != want {
		t.Errorf("ImageRef = %q, want %q", got, want)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	t.Parallel()

	a := mustPlan(t, recipe.DefaultOptions(), payloadInputs("aaa"))
	b := mustPlan(t, recipe.DefaultOptions(), payloadInputs("aaa"))
	if len(a) != 5 {
		t.Fatalf("planned %d steps", len(a))
	}
	for i := range a {
		if a[i].Digest != b[i].Digest {
			t.Errorf("step %s digest differs between identical plans", a[i].Step.Name)
		}
		if i > 0 && a[i].Parent != a[i-1].Digest {
			t.Errorf("step %s parent is not the previous digest", a[i].Step.Name)
		}
	}
	if a[0].Parent != recipe.DefaultOptions().BaseImage {
		t.Errorf("base parent = %q", a[0].Parent)
	}
}

func TestPlan_PayloadChangeKeepsLowerLayers(t *testing.T) {
	t.Parallel()

	before := mustPlan(t, recipe.DefaultOptions(), payloadInputs("aaa"))
	after := mustPlan(t, recipe.DefaultOptions(), payloadInputs("bbb"))
	for i := range 4 {
		if before[i].Digest != after[i].Digest {
			t.Errorf("step %s invalidated by a payload-only change", before[i].Step.Name)
		}
	}
	if before[4].Digest == after[4].Digest {
		t.Error("payload step not invalidated by a payload change")
	}
}

func TestPlan_DepsChangeInvalidatesDepsAndAbove(t *testing.T) {
	t.Parallel()

	before := mustPlan(t, recipe.DefaultOptions(), payloadInputs("aaa"))
	opts := recipe.DefaultOptions()
	g, err := deps.NewGroup("extra", "A==1.0")
	if err != nil {
		t.Fatal(err)
	}
	opts.Deps.Groups = append(opts.Deps.Groups, g)
	after := mustPlan(t, opts, payloadInputs("aaa"))

	for i, p := range before {
		changed := p.Digest != after[i].Digest
		want := i >= 3
		if changed != want {
			t.Errorf("step %s changed=%v, want %v", p.Step.Name, changed, want)
		}
	}
}

func TestPlan_MissingInput(t *testing.T) {
	t.Parallel()

	r, err := recipe.New(recipe.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	_, err = Plan(r, nil)
	if !errors.Is(err, ErrMissingInput) || !strings.Contains(err.Error(), "payload") {
		t.Errorf("expected ErrMissingInput naming payload, got %v", err)
	}
}

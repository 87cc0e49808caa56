// SPDX-License-Identifier: MPL-2.0

package deps

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/nodeforge/nodeforge/internal/shell"
)

var (
	// ErrUnpinned is returned for a requirement that does not name one exact
	// version while strict pinning is on.
	ErrUnpinned = errors.New("requirement is not pinned to an exact version")

	// ErrDuplicate is returned when a package appears more than once.
	ErrDuplicate = errors.New("duplicate requirement")

	// ErrEmptyGroup is returned for a group without requirements or name.
	ErrEmptyGroup = errors.New("empty dependency group")
)

type (
	// Group is a set of requirements serving one concern. Each group is
	// installed with one installer invocation.
	Group struct {
		Name         string
		Requirements []Requirement
	}

	// Set is the ordered list of groups installed into the image.
	Set struct {
		Groups []Group
	}

	// Policy controls which requirements Validate accepts.
	Policy struct {
		// StrictPins requires every requirement to be pinned with "==".
		StrictPins bool
	}

	// RequirementError ties a validation failure to its group and package.
	RequirementError struct {
		Group       string
		Requirement string
		Err         error
	}
)

func (e *RequirementError) Error() string {
	return fmt.Sprintf("group %q: %s: %v", e.Group, e.Requirement, e.Err)
}

func (e *RequirementError) Unwrap() error { return e.Err }

// NewGroup parses specs into a named group.
func NewGroup(name string, specs ...string) (Group, error) {
	g := Group{Name: name}
	for _, s := range specs {
		r, err := Parse(s)
		if err != nil {
			return Group{}, fmt.Errorf("group %q: %w", name, err)
		}
		g.Requirements = append(g.Requirements, r)
	}
	return g, nil
}

func mustGroup(name string, specs ...string) Group {
	g, err := NewGroup(name, specs...)
	if err != nil {
		panic(err)
	}
	return g
}

// DefaultSet is the dependency set of a cluster worker image. Groups follow
// install order; packaging tools come first so later groups can build wheels.
func DefaultSet() Set {
	return Set{Groups: []Group{
		mustGroup("packaging", "wheel==0.40.0", "packaging==23.1"),
		mustGroup("cli", "click==8.1.3", "colorama==0.4.6", "rich==13.4.2", "tabulate==0.9.0", "prettytable==3.7.0", "jinja2==3.1.2"),
		mustGroup("serialization", "protobuf==3.20.3", "jsonschema==4.17.3"),
		mustGroup("data", "networkx==3.1", "pandas==2.0.2", "pendulum==2.1.2", "pulp==2.7.0"),
		mustGroup("runtime", "ray==2.4.0", "filelock==3.12.2"),
		mustGroup("cloud", "awscli==1.27.150", "boto3==1.26.150", "oauth2client==4.1.3", "cryptography==41.0.1", "pycryptodome==3.12.0"),
		mustGroup("orchestration", "docker==6.1.3", "kubernetes==26.1.0"),
	}}
}

// Validate reports every problem in the set at once.
func (s Set) Validate(p Policy) error {
	var result *multierror.Error
	seen := make(map[string]string)

	for _, g := range s.Groups {
		if g.Name == "" || len(g.Requirements) == 0 {
			result = multierror.Append(result, fmt.Errorf("%w: %q", ErrEmptyGroup, g.Name))
			continue
		}
		for _, r := range g.Requirements {
			if prev, ok := seen[r.Key()]; ok {
				result = multierror.Append(result, &RequirementError{
					Group:       g.Name,
					Requirement: r.String(),
					Err:         fmt.Errorf("%w: already listed in group %q", ErrDuplicate, prev),
				})
				continue
			}
			seen[r.Key()] = g.Name
			if p.StrictPins && !r.Pinned() {
				result = multierror.Append(result, &RequirementError{Group: g.Name, Requirement: r.String(), Err: ErrUnpinned})
			}
		}
	}
	return result.ErrorOrNil()
}

// Len returns the number of requirements across all groups.
func (s Set) Len() int {
	n := 0
	for _, g := range s.Groups {
		n += len(g.Requirements)
	}
	return n
}

// InstallCommands returns one installer command per group, in group order.
// installer is the leading command, e.g. "pip install --no-cache-dir".
func (s Set) InstallCommands(installer string) ([]string, error) {
	cmds := make([]string, 0, len(s.Groups))
	for _, g := range s.Groups {
		specs := make([]string, 0, len(g.Requirements))
		for _, r := range g.Requirements {
			specs = append(specs, r.String())
		}
		words, err := shell.QuoteAll(specs...)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}
		cmds = append(cmds, installer+" "+words)
	}
	return cmds, nil
}

// Digest identifies the set content. Group boundaries are part of it since
// they change how the layer is built.
func (s Set) Digest() string {
	h := sha256.New()
	for _, g := range s.Groups {
		fmt.Fprintf(h, "[%s]\n", g.Name)
		for _, r := range g.Requirements {
			fmt.Fprintln(h, r.String())
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// String lists the set as "group: req req" lines.
func (s Set) String() string {
	var b strings.Builder
	for _, g := range s.Groups {
		b.WriteString(g.Name)
		b.WriteString(":")
		for _, r := range g.Requirements {
			b.WriteString(" ")
			b.WriteString(r.String())
		}
		b.WriteString("\n")
	}
	return b.String()
}

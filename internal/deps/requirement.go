// SPDX-License-Identifier: MPL-2.0

package deps

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Comparison operators understood in a version specifier.
const (
	OpExact      Op = "=="
	OpCompatible Op = "~="
	OpNotEqual   Op = "!="
	OpLess       Op = "<"
	OpLessEq     Op = "<="
	OpGreater    Op = ">"
	OpGreaterEq  Op = ">="
)

var (
	// ErrInvalidRequirement is wrapped by every Parse error.
	ErrInvalidRequirement = errors.New("invalid requirement")

	namePattern    = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.*+!_-]*$`)
	normalizeRun   = regexp.MustCompile(`[-_.]+`)

	// longest operators first so "<=" is not read as "<"
	operators = []Op{OpExact, OpCompatible, OpNotEqual, OpLessEq, OpGreaterEq, OpLess, OpGreater}
)

type (
	// Op is a version comparison operator.
	Op string

	// Constraint is one operator/version pair.
	Constraint struct {
		Op      Op
		Version string
	}

	// Requirement is one package with zero or more version constraints.
	Requirement struct {
		Name        string
		Constraints []Constraint
	}
)

// Parse reads a requirement such as "ray==2.4.0", "protobuf<4.0.0" or
// "urllib3>=1.26,<2".
func Parse(s string) (Requirement, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Requirement{}, fmt.Errorf("%w: empty", ErrInvalidRequirement)
	}

	idx := strings.IndexAny(s, "=<>!~")
	name, rest := s, ""
	if idx >= 0 {
		name, rest = strings.TrimSpace(s[:idx]), s[idx:]
	}
	if !namePattern.MatchString(name) {
		return Requirement{}, fmt.Errorf("%w: package name %q", ErrInvalidRequirement, name)
	}

	req := Requirement{Name: name}
	if rest == "" {
		return req, nil
	}
	for part := range strings.SplitSeq(rest, ",") {
		c, err := parseConstraint(strings.TrimSpace(part))
		if err != nil {
			return Requirement{}, fmt.Errorf("%w: %q: %w", ErrInvalidRequirement, s, err)
		}
		req.Constraints = append(req.Constraints, c)
	}
	return req, nil
}

// MustParse is like Parse but panics on error. It is meant for built-in sets.
func MustParse(s string) Requirement {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

func parseConstraint(s string) (Constraint, error) {
	for _, op := range operators {
		if v, ok := strings.CutPrefix(s, string(op)); ok {
			v = strings.TrimSpace(v)
			if !versionPattern.MatchString(v) {
				return Constraint{}, fmt.Errorf("version %q", v)
			}
			return Constraint{Op: op, Version: v}, nil
		}
	}
	return Constraint{}, fmt.Errorf("unknown operator in %q", s)
}

// Key is the normalized package name used for duplicate detection.
func (r Requirement) Key() string {
	return normalizeRun.ReplaceAllString(strings.ToLower(r.Name), "-")
}

// Pinned reports whether the requirement resolves to exactly one version.
func (r Requirement) Pinned() bool {
	return len(r.Constraints) == 1 && r.Constraints[0].Op == OpExact && !strings.Contains(r.Constraints[0].Version, "*")
}

// String renders the requirement in canonical form.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	for i, c := range r.Constraints {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(c.Op))
		b.WriteString(c.Version)
	}
	return b.String()
}

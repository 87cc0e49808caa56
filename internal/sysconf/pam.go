// SPDX-License-Identifier: MPL-2.0

package sysconf

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/nodeforge/nodeforge/internal/shell"
)

// ErrInvalidPAMRule is wrapped by every PAMRule validation error.
var ErrInvalidPAMRule = errors.New("invalid PAM rule")

// PAMRule pins the control flag of one module in a PAM stack, e.g.
// "session optional pam_loginuid.so". Lines for other modules, commented lines
// and module arguments are left untouched.
type PAMRule struct {
	Type    string
	Control string
	Module  string
}

// LoginUIDOptional relaxes pam_loginuid from required to optional. Containers
// without an audit login subsystem cannot set loginuid and would otherwise
// reject every SSH session.
func LoginUIDOptional() PAMRule {
	return PAMRule{Type: "session", Control: "optional", Module: "pam_loginuid.so"}
}

// Validate checks the rule fields.
func (r PAMRule) Validate() error {
	switch r.Type {
	case "auth", "account", "password", "session":
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidPAMRule, r.Type)
	}
	if r.Control == "" || strings.ContainsAny(r.Control, " \t|\\&/") {
		return fmt.Errorf("%w: control %q", ErrInvalidPAMRule, r.Control)
	}
	if r.Module == "" || strings.ContainsAny(r.Module, " \t|\\&") {
		return fmt.Errorf("%w: module %q", ErrInvalidPAMRule, r.Module)
	}
	return nil
}

// Pattern matches an active line for the rule's type and module with any
// control flag. It is a POSIX ERE also understood by Go's regexp package.
// Group 3 holds the module arguments, if any.
func (r PAMRule) Pattern() string {
	return `^([[:space:]]*` + regexp.QuoteMeta(r.Type) + `)[[:space:]]+[^[:space:]]+([[:space:]]+` +
		regexp.QuoteMeta(r.Module) + `)([[:space:]].*)?$`
}

// String renders the rule as a PAM line.
func (r PAMRule) String() string {
	return r.Type + " " + r.Control + " " + r.Module
}

// Apply sets the control flag on every matching line of content.
func (r PAMRule) Apply(content string) string {
	re := regexp.MustCompile(r.Pattern())
	lines := splitLines(content)
	for i, line := range lines {
		lines[i] = re.ReplaceAllString(line, "${1} "+r.Control+"${2}${3}")
	}
	if len(lines) == 0 {
		return content
	}
	return strings.Join(lines, "\n") + "\n"
}

// ShellPatch returns the sed command that performs Apply on path.
func (r PAMRule) ShellPatch(path string) ([]string, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	repl := `\1 ` + r.Control + `\2\3`
	d, err := sedDelimiter(r.Pattern(), repl)
	if err != nil {
		return nil, err
	}
	expr, err := shell.Quote("s" + d + r.Pattern() + d + repl + d)
	if err != nil {
		return nil, err
	}
	qpath, err := shell.Quote(path)
	if err != nil {
		return nil, err
	}
	return []string{"sed -i -E " + expr + " " + qpath}, nil
}

// sedDelimiter picks an s-command delimiter that occurs in none of parts.
func sedDelimiter(parts ...string) (string, error) {
	for _, d := range []string{"|", "#", ",", "@", "%", "!", "~"} {
		if !slices.ContainsFunc(parts, func(p string) bool { return strings.Contains(p, d) }) {
			return d, nil
		}
	}
	return "", fmt.Errorf("no sed delimiter fits %q", parts)
}

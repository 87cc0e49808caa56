// SPDX-License-Identifier: MPL-2.0

package sysconf

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/nodeforge/nodeforge/internal/shell"
)

// SudoersDir is where drop-in policies are installed.
const SudoersDir = "/etc/sudoers.d"

var (
	// ErrInvalidSudoers is wrapped by every Sudoers validation error.
	ErrInvalidSudoers = errors.New("invalid sudoers policy")

	// DefaultSecurePath is the Debian sudo secure_path.
	DefaultSecurePath = []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"}

	loginNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
)

// Sudoers is the elevation policy for one login. It grants every command on
// every host as any user and overrides secure_path so binaries installed by the
// environment manager stay reachable under sudo.
type Sudoers struct {
	User       string
	NoPassword bool
	SecurePath []string
}

// ValidLoginName reports whether name is acceptable to useradd and sudoers.
func ValidLoginName(name string) bool {
	return loginNamePattern.MatchString(name)
}

// Validate checks the login name and every secure_path entry.
func (s Sudoers) Validate() error {
	if !ValidLoginName(s.User) {
		return fmt.Errorf("%w: login name %q", ErrInvalidSudoers, s.User)
	}
	for _, dir := range s.SecurePath {
		if !path.IsAbs(dir) || strings.ContainsAny(dir, ":\"\\ \t\n") {
			return fmt.Errorf("%w: secure_path entry %q", ErrInvalidSudoers, dir)
		}
	}
	return nil
}

// FileName is the drop-in file name. sudo skips drop-ins containing '.' so the
// login name is safe to embed as validated.
func (s Sudoers) FileName() string {
	return "nodeforge-" + s.User
}

// Path is the absolute drop-in path.
func (s Sudoers) Path() string {
	return path.Join(SudoersDir, s.FileName())
}

// Lines returns the drop-in content, one sudoers line per element.
func (s Sudoers) Lines() []string {
	lines := []string{ManagedMarker}
	if len(s.SecurePath) > 0 {
		lines = append(lines, `Defaults secure_path="`+strings.Join(s.SecurePath, ":")+`"`)
	}
	tag := ""
	if s.NoPassword {
		tag = "NOPASSWD:"
	}
	lines = append(lines, s.User+" ALL=(ALL) "+tag+"ALL")
	return lines
}

// Render returns the drop-in file content.
func (s Sudoers) Render() string {
	return strings.Join(s.Lines(), "\n") + "\n"
}

// ShellInstall returns commands that write the drop-in with mode 0440 and
// check it with visudo. Rewriting the whole file keeps repeated runs identical.
func (s Sudoers) ShellInstall() ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	qpath, err := shell.Quote(s.Path())
	if err != nil {
		return nil, err
	}
	write, err := shell.PrintLines(s.Lines(), "> "+qpath)
	if err != nil {
		return nil, err
	}
	return []string{
		write,
		"chmod 0440 " + qpath,
		"visudo -cf " + qpath,
	}, nil
}

// SecurePathWith returns base with dirs placed in front, dropping duplicates.
// Putting the environment manager first makes its interpreter win over any
// system copy under sudo.
func SecurePathWith(base []string, dirs ...string) []string {
	seen := make(map[string]bool, len(base)+len(dirs))
	out := make([]string, 0, len(base)+len(dirs))
	for _, d := range append(append([]string{}, dirs...), base...) {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

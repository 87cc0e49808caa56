// SPDX-License-Identifier: MPL-2.0

package sysconf

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nodeforge/nodeforge/internal/shell"
)

// ManagedMarker heads every block nodeforge writes into a system file.
const ManagedMarker = "# managed by nodeforge"

const (
	PermitRootLoginYes                PermitRootLogin = "yes"
	PermitRootLoginNo                 PermitRootLogin = "no"
	PermitRootLoginProhibitPassword   PermitRootLogin = "prohibit-password"
	PermitRootLoginForcedCommandsOnly PermitRootLogin = "forced-commands-only"
)

// ErrInvalidSSHDConfig is wrapped by every SSHDConfig validation error.
var ErrInvalidSSHDConfig = errors.New("invalid sshd config")

type (
	// PermitRootLogin is the value of the sshd PermitRootLogin directive.
	PermitRootLogin string

	// SSHDConfig is the login policy nodeforge manages in sshd_config.
	// Nil or zero fields are left to the distribution default.
	SSHDConfig struct {
		PermitRootLogin        PermitRootLogin
		PubkeyAuthentication   *bool
		PasswordAuthentication *bool
		UsePAM                 *bool
		Port                   int
	}

	// Directive is one "Key value" line of sshd_config.
	Directive struct {
		Key   string
		Value string
	}
)

// Validate checks the directive values.
func (c SSHDConfig) Validate() error {
	switch c.PermitRootLogin {
	case "", PermitRootLoginYes, PermitRootLoginNo, PermitRootLoginProhibitPassword, PermitRootLoginForcedCommandsOnly:
	default:
		return fmt.Errorf("%w: PermitRootLogin %q", ErrInvalidSSHDConfig, c.PermitRootLogin)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: Port %d out of range", ErrInvalidSSHDConfig, c.Port)
	}
	return nil
}

// Directives returns the managed directives in a fixed order.
func (c SSHDConfig) Directives() []Directive {
	var ds []Directive
	if c.Port != 0 {
		ds = append(ds, Directive{"Port", strconv.Itoa(c.Port)})
	}
	if c.PermitRootLogin != "" {
		ds = append(ds, Directive{"PermitRootLogin", string(c.PermitRootLogin)})
	}
	if c.PubkeyAuthentication != nil {
		ds = append(ds, Directive{"PubkeyAuthentication", yesNo(*c.PubkeyAuthentication)})
	}
	if c.PasswordAuthentication != nil {
		ds = append(ds, Directive{"PasswordAuthentication", yesNo(*c.PasswordAuthentication)})
	}
	if c.UsePAM != nil {
		ds = append(ds, Directive{"UsePAM", yesNo(*c.UsePAM)})
	}
	return ds
}

// Lines returns the managed block, marker first.
func (c SSHDConfig) Lines() []string {
	ds := c.Directives()
	lines := make([]string, 0, len(ds)+1)
	lines = append(lines, ManagedMarker)
	for _, d := range ds {
		lines = append(lines, d.Key+" "+d.Value)
	}
	return lines
}

// Render returns the managed block as file content.
func (c SSHDConfig) Render() string {
	return strings.Join(c.Lines(), "\n") + "\n"
}

// Pattern matches any existing line, commented out or not, that sets one of the
// managed keys. It is a POSIX ERE also understood by Go's regexp package.
func (c SSHDConfig) Pattern() string {
	ds := c.Directives()
	keys := make([]string, 0, len(ds))
	for _, d := range ds {
		keys = append(keys, d.Key)
	}
	return `^[[:space:]]*#?[[:space:]]*(` + strings.Join(keys, "|") + `)([[:space:]]|$)`
}

// Apply rewrites sshd_config content so the managed directives take effect.
// sshd keeps the first value it reads for a key, so the managed block is
// placed at the top and every other occurrence of a managed key is removed.
func (c SSHDConfig) Apply(content string) string {
	if len(c.Directives()) == 0 {
		return content
	}
	re := regexp.MustCompile(c.Pattern())

	var kept []string
	for _, line := range splitLines(content) {
		if line == ManagedMarker || re.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}

	out := c.Render()
	if len(kept) > 0 {
		out += strings.Join(kept, "\n") + "\n"
	}
	return out
}

// ShellPatch returns commands that perform Apply on path inside the image.
func (c SSHDConfig) ShellPatch(path string) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if len(c.Directives()) == 0 {
		return nil, nil
	}

	qpath, err := shell.Quote(path)
	if err != nil {
		return nil, err
	}
	tmp, err := shell.Quote(path + ".nodeforge")
	if err != nil {
		return nil, err
	}
	del, err := shell.Quote("/" + c.Pattern() + "/d; /^" + ManagedMarker + "$/d")
	if err != nil {
		return nil, err
	}
	printBlock, err := shell.PrintLines(c.Lines(), "")
	if err != nil {
		return nil, err
	}

	return []string{
		"sed -i -E " + del + " " + qpath,
		"{ " + printBlock + "; cat " + qpath + "; } > " + tmp,
		"cat " + tmp + " > " + qpath,
		"rm -f " + tmp,
	}, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// splitLines splits content into lines without a trailing empty element.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n")
}

// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"errors"

	"github.com/nodeforge/nodeforge/internal/recipe"
)

// ErrCheckFailed is returned when the finished image fails a Check.
var ErrCheckFailed = errors.New("image check failed")

// Check is a command run in a throwaway container of the finished image
// before it is tagged. A non-zero exit fails the build.
type Check struct {
	Name    string
	User    string
	Command []string
}

// ImageChecks returns the checks a worker image must pass: the operational
// identity elevates without a password, and sshd accepts its configuration.
func ImageChecks(r *recipe.Recipe) []Check {
	user := r.Options.Identity.Name
	return []Check{
		{Name: "passwordless sudo", User: user, Command: []string{"sudo", "-n", "true"}},
		{Name: "sshd config", User: user, Command: []string{"sudo", "-n", "/usr/sbin/sshd", "-t"}},
	}
}

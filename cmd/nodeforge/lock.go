// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nodeforge/nodeforge/internal/deps"
	"github.com/nodeforge/nodeforge/internal/issue"
)

const defaultLockFile = "deps.lock.toml"

func newLockCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "lock [path]",
		Short: "Write the dependency set to a lock file",
		Long: `Write the configured dependency set to a TOML lock file.

The path defaults to deps.lock_file from the configuration, or deps.lock.toml.
Once written, the lock file takes precedence over the configured groups.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.Config.Deps.LockFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = defaultLockFile
			}

			set, err := app.Config.DepsSet()
			if err != nil {
				return invalidInput(err)
			}
			if err := set.Validate(deps.Policy{StrictPins: app.Config.Deps.StrictPins}); err != nil {
				return app.fail(cmd, err)
			}
			if err := deps.WriteLock(path, set); err != nil {
				return issue.WrapWithContext(err, "write lock file", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d requirements, digest %s)\n",
				SuccessStyle.Render("Wrote"), path, set.Len(), CmdStyle.Render(set.Digest()[:12]))
			return nil
		},
	}
}

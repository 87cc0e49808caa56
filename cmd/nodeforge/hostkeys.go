// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nodeforge/nodeforge/internal/hostkeys"
	"github.com/nodeforge/nodeforge/internal/issue"
)

func newHostKeysCommand(app *App) *cobra.Command {
	var knownHost string
	c := &cobra.Command{
		Use:   "hostkeys [dir]",
		Short: "Generate pinned SSH host keys and print their fingerprints",
		Long: `Make sure dir holds a host key pair for every supported algorithm and print
the fingerprints. Existing keys are kept.

Point ssh.host_key_dir at the directory and set ssh.host_keys to "pinned" to
bake the keys into the image, so every node built from it presents the same
identity.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := app.resolvePath(app.Config.SSH.HostKeyDir)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				dir = args[0]
			}
			if dir == "" {
				return invalidInput(fmt.Errorf("no host key directory: pass one or set ssh.host_key_dir"))
			}

			res, err := hostkeys.Ensure(dir)
			if err != nil {
				return issue.WrapWithContext(err, "generate host keys", dir)
			}
			for _, alg := range res.Generated {
				app.Logger.Info("generated host key", "algorithm", alg, "dir", dir)
			}
			keys, err := hostkeys.Load(dir)
			if err != nil {
				return issue.WrapWithOperation(err, "load host keys")
			}

			out := cmd.OutOrStdout()
			if knownHost != "" {
				for _, line := range hostkeys.KnownHostsLines(knownHost, keys) {
					fmt.Fprintln(out, line)
				}
				return nil
			}
			for i, fp := range hostkeys.Fingerprints(keys) {
				fmt.Fprintf(out, "%-8s %s\n", keys[i].Algorithm, fp)
			}
			return nil
		},
	}
	c.Flags().StringVar(&knownHost, "known-hosts", "", "print known_hosts lines for this host instead of fingerprints")
	return c
}

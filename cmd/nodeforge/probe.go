// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/nodeforge/nodeforge/internal/hostkeys"
	"github.com/nodeforge/nodeforge/internal/probe"
)

func newProbeCommand(app *App) *cobra.Command {
	var (
		user         string
		identityFile string
		fingerprints []string
		timeout      time.Duration
	)
	c := &cobra.Command{
		Use:   "probe <host:port>",
		Short: "Wait for a node built from the image and check it over SSH",
		Long: `Wait until a node accepts SSH as the operational account, then check that:

  - elevation works without a password
  - the environment manager is on the elevated PATH
  - the payload CLI is on the login shell PATH

The host key must match one of the pinned keys: either the keys in
ssh.host_key_dir or fingerprints given with --fingerprint.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if user == "" {
				user = app.Config.Identity.Name
			}
			if identityFile == "" {
				return invalidInput(errors.New("--identity-file is required"))
			}
			signer, err := loadSigner(identityFile)
			if err != nil {
				return invalidInput(err)
			}

			pins := fingerprints
			if len(pins) == 0 && app.Config.SSH.HostKeyDir != "" {
				dir, err := app.resolvePath(app.Config.SSH.HostKeyDir)
				if err != nil {
					return err
				}
				keys, err := hostkeys.Load(dir)
				if err != nil {
					return err
				}
				pins = hostkeys.Fingerprints(keys)
			}
			if len(pins) == 0 {
				return invalidInput(errors.New("no pinned host keys: set ssh.host_key_dir or pass --fingerprint"))
			}

			opts := probe.DefaultWaitOptions()
			if timeout > 0 {
				opts.Timeout = timeout
			}
			target := probe.Target{
				Addr:            args[0],
				User:            user,
				Signer:          signer,
				HostKeyCallback: probe.PinnedHostKeys(pins...),
			}
			app.Logger.Debug("waiting for node", "addr", target.Addr, "user", user, "timeout", opts.Timeout)
			client, err := probe.Wait(ctx, target, opts)
			if err != nil {
				return app.fail(cmd, err)
			}
			defer func() { _ = client.Close() }()

			checks, err := probe.DefaultChecks(app.Config.EnvManager.ProbeTool, app.Config.Payload.CLI, app.Config.Identity.Shell)
			if err != nil {
				return invalidInput(err)
			}
			report := probe.RunChecks(ctx, client, checks)
			if err := writeMarkdown(cmd.OutOrStdout(), report.Markdown()); err != nil {
				return err
			}
			if err := report.Err(); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	c.Flags().StringVarP(&user, "user", "u", "", "login name (default identity.name)")
	c.Flags().StringVarP(&identityFile, "identity-file", "i", "", "private key used to log in")
	c.Flags().StringArrayVar(&fingerprints, "fingerprint", nil, "accepted SHA256 host key fingerprint (repeatable)")
	c.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the node (default 2m)")
	return c
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return signer, nil
}

// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nodeforge/nodeforge/internal/config"
)

func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage nodeforge configuration",
		Long: `Manage nodeforge configuration.

Configuration is read from, in order:
  - the file given with --config
  - ./nodeforge.cue
  - Linux: ~/.config/nodeforge/config.cue
  - macOS: ~/Library/Application Support/nodeforge/config.cue
  - Windows: %APPDATA%\nodeforge\config.cue

Every key can be overridden from the environment, e.g. NODEFORGE_IMAGE_TAG.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			source := SubtitleStyle.Render("(using defaults)")
			if app.ConfigPath != "" {
				source = app.ConfigPath
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", CmdStyle.Render("Config file"), source)
			_, err := io.WriteString(out, config.GenerateCUE(app.Config))
			return err
		},
	})

	var path string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				dir, err := config.ConfigDir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt)
			}
			if err := config.WriteDefault(path); err != nil {
				if config.IsExist(err) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s already exists\n", WarningStyle.Render("Warning:"), path)
					return &ExitError{Code: ExitFailure, Err: err}
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Created"), path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "where to write the file (default is the user config directory)")
	cfgCmd.AddCommand(initCmd)

	return cfgCmd
}

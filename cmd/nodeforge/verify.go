// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nodeforge/nodeforge/internal/deps"
)

func newVerifyCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the recipe order and the dependency pins without building",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := app.recipe()
			if err != nil {
				return app.fail(cmd, err)
			}
			if err := r.Validate(); err != nil {
				return app.fail(cmd, err)
			}
			order, err := r.Order()
			if err != nil {
				return app.fail(cmd, err)
			}
			set, err := app.Config.DepsSet()
			if err != nil {
				return invalidInput(err)
			}
			if err := set.Validate(deps.Policy{StrictPins: app.Config.Deps.StrictPins}); err != nil {
				return app.fail(cmd, err)
			}

			out := cmd.OutOrStdout()
			steps := make([]string, len(order))
			for i, n := range order {
				steps[i] = string(n)
			}
			fmt.Fprintf(out, "%s %d steps (%s), %d actions\n",
				SuccessStyle.Render("recipe ok:"), len(order), strings.Join(steps, " → "), len(r.Actions()))
			fmt.Fprintf(out, "%s %d requirements in %d groups (strict pins: %v)\n",
				SuccessStyle.Render("deps ok:"), set.Len(), len(set.Groups), app.Config.Deps.StrictPins)
			return nil
		},
	}
}

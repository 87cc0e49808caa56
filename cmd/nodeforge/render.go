// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nodeforge/nodeforge/internal/layer"
	"github.com/nodeforge/nodeforge/internal/pipeline"
)

func newRenderCommand(app *App) *cobra.Command {
	var step int
	c := &cobra.Command{
		Use:   "render",
		Short: "Print the Dockerfile for the configured image",
		Long: `Print the flattened Dockerfile for the configured image.

With --step N, print only the Dockerfile that builds layer N on top of its
parent layer, exactly as 'nodeforge build' submits it to the engine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := app.recipe()
			if err != nil {
				return app.fail(cmd, err)
			}
			out := cmd.OutOrStdout()
			if step < 0 {
				_, err := io.WriteString(out, r.Dockerfile())
				return err
			}

			inputs, err := pipeline.InputDigests(cmd.Context(), r)
			if err != nil {
				return app.fail(cmd, err)
			}
			plan, err := layer.Plan(r, inputs)
			if err != nil {
				return app.fail(cmd, err)
			}
			if step >= len(plan) {
				return invalidInput(fmt.Errorf("step %d out of range (0-%d)", step, len(plan)-1))
			}
			parentRef := r.Base
			if step > 0 {
				parentRef = layer.ImageRef(plan[step-1].Digest)
			}
			df, err := r.StepDockerfile(step, parentRef)
			if err != nil {
				return app.fail(cmd, err)
			}
			fmt.Fprintf(out, "# step %d (%s)\n", step, plan[step].Step.Name)
			_, err = io.WriteString(out, df)
			return err
		},
	}
	c.Flags().IntVar(&step, "step", -1, "render a single step's Dockerfile")
	return c
}

// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nodeforge/nodeforge/internal/layer"
	"github.com/nodeforge/nodeforge/internal/pipeline"
	"github.com/nodeforge/nodeforge/internal/recipe"
)

type planRow struct {
	layer.Planned
	Indexed bool
}

func newPlanCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show layer digests and whether each layer is in the cache index",
		Long: `Show the digest of every layer and whether the cache index already holds it.

The plan does not contact the container engine. A layer listed as indexed is
still rebuilt by 'nodeforge build' if its image was removed from the engine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := app.recipe()
			if err != nil {
				return app.fail(cmd, err)
			}
			dir, err := app.Config.CacheDir()
			if err != nil {
				return err
			}
			rows, err := planRows(cmd.Context(), r, layer.NewFileCache(dir))
			if err != nil {
				return app.fail(cmd, err)
			}
			return writeMarkdown(cmd.OutOrStdout(), planMarkdown(app.Config.Image.Tag, rows))
		},
	}
}

func planRows(ctx context.Context, r *recipe.Recipe, cache layer.Cache) ([]planRow, error) {
	inputs, err := pipeline.InputDigests(ctx, r)
	if err != nil {
		return nil, err
	}
	plan, err := layer.Plan(r, inputs)
	if err != nil {
		return nil, err
	}
	rows := make([]planRow, 0, len(plan))
	for _, p := range plan {
		_, ok, err := cache.Lookup(ctx, p.Digest)
		if err != nil {
			return nil, err
		}
		rows = append(rows, planRow{Planned: p, Indexed: ok})
	}
	return rows, nil
}

func planMarkdown(tag string, rows []planRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan for `%s`\n\n", tag)
	b.WriteString("| # | Step | Layer | Cache |\n|---|---|---|---|\n")
	for _, row := range rows {
		state := "miss"
		if row.Indexed {
			state = "indexed"
		}
		fmt.Fprintf(&b, "| %d | %s | `%s` | %s |\n", row.Index, row.Step.Name, layer.ImageRef(row.Digest), state)
	}
	return b.String()
}

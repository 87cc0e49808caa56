// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nodeforge/nodeforge/internal/container"
	"github.com/nodeforge/nodeforge/internal/layer"
	"github.com/nodeforge/nodeforge/internal/metrics"
	"github.com/nodeforge/nodeforge/internal/pipeline"
)

func newBuildCommand(app *App) *cobra.Command {
	var (
		force bool
		tag   string
	)
	c := &cobra.Command{
		Use:   "build",
		Short: "Build the image layer by layer, reusing cached layers",
		Long: `Build the configured image one layer at a time.

A layer is reused when the cache index holds its digest and the engine still
has its image. Once a layer is rebuilt every layer above it is rebuilt too.
The final tag is applied only after every layer committed and the finished
image passed its checks (passwordless sudo and a valid sshd configuration).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, err := app.recipe()
			if err != nil {
				return app.fail(cmd, err)
			}
			if tag == "" {
				tag = app.Config.Image.Tag
			}

			engine, err := container.NewEngine(container.EngineType(app.Config.ContainerEngine))
			if err != nil {
				return app.fail(cmd, err)
			}
			dir, err := app.Config.CacheDir()
			if err != nil {
				return err
			}

			var buildOutput io.Writer
			if app.verbose {
				buildOutput = cmd.ErrOrStderr()
			}
			collector := metrics.NewCollector()
			b := &pipeline.Builder{
				Executor: pipeline.NewEngineExecutor(engine,
					pipeline.WithOutput(buildOutput),
					pipeline.WithExecutorLogger(app.Logger.WithPrefix("executor")),
				),
				Cache:        layer.NewFileCache(dir),
				Tag:          tag,
				ForceRebuild: force,
				Checks:       pipeline.ImageChecks(r),
				Observer:     collector,
				Logger:       app.Logger.WithPrefix("builder"),
			}
			if v, verr := engine.Version(ctx); verr == nil {
				app.Logger.Debug("building", "engine", engine.Name(), "version", v, "cache", dir, "tag", tag)
			} else {
				app.Logger.Warn("engine version unknown", "engine", engine.Name(), "error", verr)
			}

			res, runErr := b.Run(ctx, r)
			if res != nil {
				writeBuildSummary(cmd.OutOrStdout(), res)
			}
			if err := writeMetrics(app, collector); err != nil {
				app.Logger.Warn("metrics not written", "err", err)
			}
			if runErr != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), ErrorStyle.Render("Build failed: ")+formatErrorForDisplay(runErr, app.verbose))
				return app.fail(cmd, runErr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Built ")+CmdStyle.Render(res.Image))
			return nil
		},
	}
	c.Flags().BoolVar(&force, "force-rebuild", false, "ignore cached layers")
	c.Flags().StringVarP(&tag, "tag", "t", "", "final image tag (default from config)")
	return c
}

func writeBuildSummary(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "%s %s\n", TitleStyle.Render("Build"), SubtitleStyle.Render(res.BuildID))
	for _, s := range res.Steps {
		line := fmt.Sprintf("  %-18s %-8s", s.Step, stateStyle(string(s.State)).Render(string(s.State)))
		if s.Image != "" {
			line += " " + CmdStyle.Render(s.Image)
		}
		if s.State == pipeline.StateBuilt {
			line += " " + SubtitleStyle.Render(s.Duration.Round(time.Millisecond).String())
		}
		fmt.Fprintln(w, line)
	}
}

func writeMetrics(app *App, c *metrics.Collector) error {
	path := app.Config.Cache.MetricsFile
	if path == "" {
		return nil
	}
	reg, err := metrics.NewRegistry(c)
	if err != nil {
		return err
	}
	return metrics.WriteTextfile(path, reg)
}

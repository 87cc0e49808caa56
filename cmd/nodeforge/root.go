// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nodeforge/nodeforge/internal/config"
	"github.com/nodeforge/nodeforge/internal/container"
	"github.com/nodeforge/nodeforge/internal/deps"
	"github.com/nodeforge/nodeforge/internal/issue"
	"github.com/nodeforge/nodeforge/internal/pipeline"
	"github.com/nodeforge/nodeforge/internal/probe"
	"github.com/nodeforge/nodeforge/internal/recipe"
)

// errConfigLoad marks failures to read or validate the configuration file.
var errConfigLoad = errors.New("configuration not loaded")

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

type (
	// App carries global flags and the loaded configuration to every command.
	App struct {
		cfgFile string
		verbose bool

		Config     *config.Config
		ConfigPath string
		Logger     *log.Logger
		stderr     io.Writer
	}
)

// NewApp returns an App that logs to stderr.
func NewApp(stderr io.Writer) *App {
	return &App{stderr: stderr}
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "nodeforge",
		Short: "Build layered SSH-ready cluster worker images",
		Long: TitleStyle.Render("nodeforge") + SubtitleStyle.Render(" - layered worker image builds") + `

nodeforge builds a container image that a cluster orchestrator can use as a
worker node: an SSH daemon, an unprivileged operational account with
passwordless elevation, a pinned dependency set and an editable payload.

The image is committed in five layers (base, access-bootstrap, identity, deps,
payload). Each layer is keyed by a digest chained over its parent, so editing
the payload only rebuilds the last layer.

` + SubtitleStyle.Render("Examples:") + `
  nodeforge render           Print the Dockerfile
  nodeforge plan             Show layer digests and cache state
  nodeforge build            Build and tag the image
  nodeforge probe host:22    Check a running node over SSH`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.load(cmd.Context()); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	root.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (default is ./nodeforge.cue or $HOME/.config/nodeforge/config.cue)")

	root.AddCommand(
		newRenderCommand(app),
		newPlanCommand(app),
		newBuildCommand(app),
		newVerifyCommand(app),
		newLockCommand(app),
		newHostKeysCommand(app),
		newProbeCommand(app),
		newConfigCommand(app),
	)
	return root
}

// Execute runs the CLI. It is called by main.main().
func Execute() {
	app := NewApp(os.Stderr)
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(ExitFailure)
	}
}

// load reads the configuration and sets up logging.
func (a *App) load(ctx context.Context) error {
	cfg, path, err := config.Load(ctx, config.LoadOptions{ConfigFilePath: a.cfgFile})
	if err != nil {
		return &ExitError{Code: ExitInvalidInput, Err: fmt.Errorf("%w: %w", errConfigLoad, err)}
	}
	a.Config = cfg
	a.ConfigPath = path
	for _, p := range []*string{&cfg.Deps.LockFile, &cfg.Cache.Dir, &cfg.Cache.MetricsFile} {
		if *p, err = a.resolvePath(*p); err != nil {
			return err
		}
	}
	if !a.verbose {
		a.verbose = cfg.UI.Verbose
	}

	a.Logger = log.NewWithOptions(a.stderr, log.Options{
		Prefix:          "nodeforge",
		ReportTimestamp: true,
	})
	if a.verbose {
		a.Logger.SetLevel(log.DebugLevel)
	}
	return nil
}

// baseDir anchors relative paths in the configuration: the directory of the
// config file, or the working directory when only defaults apply.
func (a *App) baseDir() (string, error) {
	if a.ConfigPath != "" {
		abs, err := filepath.Abs(a.ConfigPath)
		if err != nil {
			return "", err
		}
		return filepath.Dir(abs), nil
	}
	return os.Getwd()
}

// resolvePath anchors a relative configured path at baseDir.
func (a *App) resolvePath(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	base, err := a.baseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, p), nil
}

// recipe builds the recipe described by the configuration.
func (a *App) recipe() (*recipe.Recipe, error) {
	base, err := a.baseDir()
	if err != nil {
		return nil, err
	}
	opts, err := a.Config.RecipeOptions(base)
	if err != nil {
		return nil, invalidInput(err)
	}
	r, err := recipe.New(opts)
	if err != nil {
		return nil, invalidInput(err)
	}
	return r, nil
}

func invalidInput(err error) error {
	return &ExitError{Code: ExitInvalidInput, Err: err}
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// issueFor returns the issue page that explains err.
func issueFor(err error) (issue.Id, bool) {
	var notAvailable *container.ErrEngineNotAvailable
	switch {
	case errors.As(err, &notAvailable):
		return issue.EngineNotFoundId, true
	case errors.Is(err, errConfigLoad):
		return issue.ConfigLoadFailedId, true
	case errors.Is(err, recipe.ErrOrderViolation):
		return issue.OrderViolationId, true
	case errors.Is(err, deps.ErrUnpinned):
		return issue.UnpinnedDependencyId, true
	// An identity conflict surfaces as a failed step, so it is checked first.
	case errors.Is(err, pipeline.ErrIdentityConflict):
		return issue.IdentityConflictId, true
	case errors.Is(err, pipeline.ErrStepFailed):
		return issue.StepFailedId, true
	case errors.Is(err, pipeline.ErrCheckFailed):
		return issue.ImageCheckFailedId, true
	case errors.Is(err, probe.ErrNotReady):
		return issue.NodeNotReadyId, true
	default:
		return 0, false
	}
}

// fail prints the issue page for err, when one exists, to the command's
// stderr and returns err classified to an exit code.
func (a *App) fail(cmd *cobra.Command, err error) error {
	if id, ok := issueFor(err); ok {
		w := cmd.ErrOrStderr()
		if rendered, rerr := issue.Get(id).Render(issueStyle(w)); rerr == nil {
			fmt.Fprint(w, rendered)
		}
	}
	return classify(err)
}

// classify maps a failure to an exit code.
func classify(err error) error {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return err
	case errors.Is(err, recipe.ErrInvalidOptions),
		errors.Is(err, recipe.ErrInvalidRecipe),
		errors.Is(err, recipe.ErrOrderViolation),
		errors.Is(err, deps.ErrUnpinned):
		return &ExitError{Code: ExitInvalidInput, Err: err}
	case errors.Is(err, pipeline.ErrStepFailed),
		errors.Is(err, pipeline.ErrCheckFailed):
		return &ExitError{Code: ExitBuildFailed, Err: err}
	case errors.Is(err, probe.ErrNotReady):
		return &ExitError{Code: ExitNotReady, Err: err}
	default:
		return &ExitError{Code: ExitFailure, Err: err}
	}
}

// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"

	"github.com/nodeforge/nodeforge/internal/issue"
)

const (
	// AppName is the application name.
	AppName = "nodeforge"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// LocalConfigFile is looked up in the working directory.
	LocalConfigFile = "nodeforge.cue"
	// EnvPrefix prefixes environment overrides, e.g. NODEFORGE_IMAGE_TAG.
	EnvPrefix = "NODEFORGE"

	maxConfigSize = 1 << 20
)

//go:embed config_schema.cue
var configSchema string

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFilePath forces loading from a specific config file when set.
	ConfigFilePath string
	// ConfigDirPath overrides the config directory lookup when set.
	ConfigDirPath string
}

// ConfigDir returns the nodeforge configuration directory.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

// Load reads the configuration. It returns the path of the file used, empty
// when only defaults and the environment apply.
func Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := resolveConfigPath(opts)
	if err != nil {
		return nil, "", err
	}
	if path != "" {
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				WithSuggestion("Use 'nodeforge config show' to see the effective configuration").
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, path, nil
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Create one with 'nodeforge config init'").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	if fileExists(LocalConfigFile) {
		return LocalConfigFile, nil
	}

	dir := opts.ConfigDirPath
	if dir == "" {
		var err error
		if dir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	if p := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt); fileExists(p) {
		return p, nil
	}
	return "", nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("container_engine", d.ContainerEngine)
	v.SetDefault("image.base", d.Image.Base)
	v.SetDefault("image.tag", d.Image.Tag)
	v.SetDefault("image.system_packages", d.Image.SystemPackages)
	v.SetDefault("image.remove_interpreters", d.Image.RemoveInterpreters)
	v.SetDefault("env_manager.bin_dir", d.EnvManager.BinDir)
	v.SetDefault("env_manager.init_command", d.EnvManager.InitCommand)
	v.SetDefault("env_manager.probe_tool", d.EnvManager.ProbeTool)
	v.SetDefault("ssh.permit_root_login", d.SSH.PermitRootLogin)
	v.SetDefault("ssh.port", d.SSH.Port)
	v.SetDefault("ssh.host_keys", d.SSH.HostKeys)
	v.SetDefault("ssh.host_key_dir", d.SSH.HostKeyDir)
	v.SetDefault("ssh.start_sshd", d.SSH.StartSSHD)
	v.SetDefault("identity.name", d.Identity.Name)
	v.SetDefault("identity.home", d.Identity.Home)
	v.SetDefault("identity.shell", d.Identity.Shell)
	v.SetDefault("deps.strict_pins", d.Deps.StrictPins)
	v.SetDefault("deps.installer", d.Deps.Installer)
	v.SetDefault("deps.lock_file", d.Deps.LockFile)
	v.SetDefault("deps.groups", d.Deps.Groups)
	v.SetDefault("payload.source", d.Payload.Source)
	v.SetDefault("payload.target", d.Payload.Target)
	v.SetDefault("payload.package", d.Payload.Package)
	v.SetDefault("payload.metadata_dir", d.Payload.MetadataDir)
	v.SetDefault("payload.extras", d.Payload.Extras)
	v.SetDefault("payload.ignore", d.Payload.Ignore)
	v.SetDefault("payload.installer", d.Payload.Installer)
	v.SetDefault("payload.cli", d.Payload.CLI)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.metrics_file", d.Cache.MetricsFile)
	v.SetDefault("ui.verbose", d.UI.Verbose)
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return fmt.Errorf("%s: file size %d bytes exceeds maximum %d bytes", path, len(data), maxConfigSize)
	}

	ctx := cuecontext.New()
	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return formatCUEError(userValue.Err(), path)
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return formatCUEError(err, path)
	}
	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// formatCUEError prefixes every CUE error with its field path.
func formatCUEError(err error, path string) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%s: %w", path, err)
	}
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		field := strings.Join(cueerrors.Path(e), ".")
		msg := strings.TrimSpace(strings.TrimPrefix(e.Error(), field+":"))
		if field != "" {
			msg = field + ": " + msg
		}
		lines = append(lines, msg)
	}
	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", path, lines[0])
	}
	return fmt.Errorf("%s: validation failed:\n  %s", path, strings.Join(lines, "\n  "))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// WriteDefault writes the default configuration to path, refusing to replace
// an existing file.
func WriteDefault(path string) error {
	if fileExists(path) {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// IsExist reports whether err came from WriteDefault finding an existing file.
func IsExist(err error) bool {
	return errors.Is(err, os.ErrExist)
}

// GenerateCUE renders cfg as a CUE document accepted by the schema.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// nodeforge configuration\n\n")
	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)

	sb.WriteString("\nimage: {\n")
	fmt.Fprintf(&sb, "\tbase: %q\n", cfg.Image.Base)
	fmt.Fprintf(&sb, "\ttag: %q\n", cfg.Image.Tag)
	fmt.Fprintf(&sb, "\tsystem_packages: %s\n", cueList(cfg.Image.SystemPackages))
	fmt.Fprintf(&sb, "\tremove_interpreters: %s\n", cueList(cfg.Image.RemoveInterpreters))
	sb.WriteString("}\n")

	sb.WriteString("\nenv_manager: {\n")
	fmt.Fprintf(&sb, "\tbin_dir: %q\n", cfg.EnvManager.BinDir)
	fmt.Fprintf(&sb, "\tinit_command: %q\n", cfg.EnvManager.InitCommand)
	fmt.Fprintf(&sb, "\tprobe_tool: %q\n", cfg.EnvManager.ProbeTool)
	sb.WriteString("}\n")

	sb.WriteString("\nssh: {\n")
	fmt.Fprintf(&sb, "\tpermit_root_login: %q\n", cfg.SSH.PermitRootLogin)
	fmt.Fprintf(&sb, "\tport: %d\n", cfg.SSH.Port)
	fmt.Fprintf(&sb, "\thost_keys: %q\n", cfg.SSH.HostKeys)
	if cfg.SSH.HostKeyDir != "" {
		fmt.Fprintf(&sb, "\thost_key_dir: %q\n", cfg.SSH.HostKeyDir)
	}
	fmt.Fprintf(&sb, "\tstart_sshd: %v\n", cfg.SSH.StartSSHD)
	sb.WriteString("}\n")

	sb.WriteString("\nidentity: {\n")
	fmt.Fprintf(&sb, "\tname: %q\n", cfg.Identity.Name)
	fmt.Fprintf(&sb, "\thome: %q\n", cfg.Identity.Home)
	fmt.Fprintf(&sb, "\tshell: %q\n", cfg.Identity.Shell)
	sb.WriteString("}\n")

	sb.WriteString("\ndeps: {\n")
	fmt.Fprintf(&sb, "\tstrict_pins: %v\n", cfg.Deps.StrictPins)
	fmt.Fprintf(&sb, "\tinstaller: %q\n", cfg.Deps.Installer)
	if cfg.Deps.LockFile != "" {
		fmt.Fprintf(&sb, "\tlock_file: %q\n", cfg.Deps.LockFile)
	}
	sb.WriteString("\tgroups: [\n")
	for _, g := range cfg.Deps.Groups {
		fmt.Fprintf(&sb, "\t\t{name: %q, packages: %s},\n", g.Name, cueList(g.Packages))
	}
	sb.WriteString("\t]\n}\n")

	sb.WriteString("\npayload: {\n")
	fmt.Fprintf(&sb, "\tsource: %q\n", cfg.Payload.Source)
	fmt.Fprintf(&sb, "\ttarget: %q\n", cfg.Payload.Target)
	fmt.Fprintf(&sb, "\tpackage: %q\n", cfg.Payload.Package)
	fmt.Fprintf(&sb, "\tmetadata_dir: %q\n", cfg.Payload.MetadataDir)
	fmt.Fprintf(&sb, "\textras: %s\n", cueList(cfg.Payload.Extras))
	fmt.Fprintf(&sb, "\tignore: %s\n", cueList(cfg.Payload.Ignore))
	fmt.Fprintf(&sb, "\tinstaller: %q\n", cfg.Payload.Installer)
	fmt.Fprintf(&sb, "\tcli: %q\n", cfg.Payload.CLI)
	sb.WriteString("}\n")

	if cfg.Cache.Dir != "" || cfg.Cache.MetricsFile != "" {
		sb.WriteString("\ncache: {\n")
		if cfg.Cache.Dir != "" {
			fmt.Fprintf(&sb, "\tdir: %q\n", cfg.Cache.Dir)
		}
		if cfg.Cache.MetricsFile != "" {
			fmt.Fprintf(&sb, "\tmetrics_file: %q\n", cfg.Cache.MetricsFile)
		}
		sb.WriteString("}\n")
	}

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose: %v\n", cfg.UI.Verbose)
	sb.WriteString("}\n")

	return sb.String()
}

func cueList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"errors"
	"fmt"
	"path"

	"github.com/nodeforge/nodeforge/internal/deps"
	"github.com/nodeforge/nodeforge/internal/sysconf"
)

// Host key modes.
const (
	// HostKeysGenerate runs ssh-keygen -A inside the image.
	HostKeysGenerate HostKeyMode = "generate"
	// HostKeysPinned copies keys generated on the build host, then fills any
	// missing algorithm with ssh-keygen -A.
	HostKeysPinned HostKeyMode = "pinned"
)

// ErrInvalidOptions is wrapped by every Options validation error.
var ErrInvalidOptions = errors.New("invalid recipe options")

type (
	// HostKeyMode selects where SSH host keys come from.
	HostKeyMode string

	// EnvManager is the interpreter environment manager shipped by the base
	// image (conda for the default base).
	EnvManager struct {
		BinDir      string
		InitCommand string
	}

	// Identity is the operational account.
	Identity struct {
		Name  string
		Home  string
		Shell string
	}

	// AccessOptions configure the SSH daemon layer.
	AccessOptions struct {
		SSHD           sysconf.SSHDConfig
		SSHDConfigPath string
		PAMRule        sysconf.PAMRule
		PAMPath        string
		RuntimeDir     string
		Port           int
		HostKeys       HostKeyMode
		// HostKeyDir is the build-host directory used with HostKeysPinned.
		HostKeyDir string
		// StartSSHD sets the image command to run sshd in the foreground.
		StartSSHD bool
	}

	// PayloadOptions describe how the payload is shipped and installed.
	PayloadOptions struct {
		// Source is the payload directory on the build host.
		Source string
		Ignore []string
		// Target is the install root; the tree lands in Target/Package.
		Target  string
		Package string
		// MetadataDir holds packaging metadata relative to the package dir;
		// its contents are moved up into Target before install.
		MetadataDir string
		Extras      []string
		Installer   string
		// CLI is the entry point expected on the identity's login shell.
		CLI string
	}

	// Options carries every build knob of a worker image recipe.
	Options struct {
		BaseImage          string
		SystemPackages     []string
		RemoveInterpreters []string
		EnvManager         EnvManager
		Access             AccessOptions
		Identity           Identity
		Deps               deps.Set
		DepsPolicy         deps.Policy
		DepsInstaller      string
		Payload            PayloadOptions
	}
)

// DefaultOptions returns the stock worker image recipe.
func DefaultOptions() Options {
	return Options{
		BaseImage:          "continuumio/miniconda3:23.3.1-0",
		SystemPackages:     []string{"gcc", "rsync", "sudo", "patch", "openssh-server", "pciutils", "nano", "fuse"},
		RemoveInterpreters: []string{"python3"},
		EnvManager: EnvManager{
			BinDir:      "/opt/conda/bin",
			InitCommand: "conda init",
		},
		Access: AccessOptions{
			SSHD: sysconf.SSHDConfig{
				PermitRootLogin:      sysconf.PermitRootLoginYes,
				PubkeyAuthentication: ptr(true),
				UsePAM:               ptr(true),
			},
			SSHDConfigPath: "/etc/ssh/sshd_config",
			PAMRule:        sysconf.LoginUIDOptional(),
			PAMPath:        "/etc/pam.d/sshd",
			RuntimeDir:     "/var/run/sshd",
			Port:           22,
			HostKeys:       HostKeysGenerate,
			StartSSHD:      true,
		},
		Identity: Identity{
			Name:  "sky",
			Home:  "/home/sky",
			Shell: "/bin/bash",
		},
		Deps:          deps.DefaultSet(),
		DepsPolicy:    deps.Policy{StrictPins: true},
		DepsInstaller: "pip install --no-cache-dir --user",
		Payload: PayloadOptions{
			Source:      ".",
			Target:      "/skypilot",
			Package:     "sky",
			MetadataDir: "setup_files",
			Extras:      []string{"kubernetes"},
			Installer:   "pip install --no-cache-dir",
			CLI:         "sky",
		},
	}
}

// Validate checks options that would otherwise only fail deep inside a build.
func (o Options) Validate() error {
	if o.BaseImage == "" {
		return fmt.Errorf("%w: base image is required", ErrInvalidOptions)
	}
	if len(o.SystemPackages) == 0 {
		return fmt.Errorf("%w: no system packages", ErrInvalidOptions)
	}
	if !path.IsAbs(o.EnvManager.BinDir) {
		return fmt.Errorf("%w: env manager bin dir %q must be absolute", ErrInvalidOptions, o.EnvManager.BinDir)
	}
	if err := o.Identity.Validate(); err != nil {
		return err
	}
	if err := o.Access.validate(); err != nil {
		return err
	}
	if err := o.Payload.validate(); err != nil {
		return err
	}
	if o.Deps.Len() == 0 {
		return fmt.Errorf("%w: empty dependency set", ErrInvalidOptions)
	}
	if o.DepsInstaller == "" {
		return fmt.Errorf("%w: dependency installer is required", ErrInvalidOptions)
	}
	return o.Deps.Validate(o.DepsPolicy)
}

// Validate checks the identity attributes.
func (id Identity) Validate() error {
	if !sysconf.ValidLoginName(id.Name) {
		return fmt.Errorf("%w: identity name %q", ErrInvalidOptions, id.Name)
	}
	if id.Name == "root" {
		return fmt.Errorf("%w: the operational identity must not be root", ErrInvalidOptions)
	}
	if !path.IsAbs(id.Home) {
		return fmt.Errorf("%w: identity home %q must be absolute", ErrInvalidOptions, id.Home)
	}
	if !path.IsAbs(id.Shell) {
		return fmt.Errorf("%w: identity shell %q must be absolute", ErrInvalidOptions, id.Shell)
	}
	return nil
}

// Owner is the "user:group" pair used for chown.
func (id Identity) Owner() string {
	return id.Name + ":" + id.Name
}

func (a AccessOptions) validate() error {
	if err := a.SSHD.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if err := a.PAMRule.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("%w: ssh port %d", ErrInvalidOptions, a.Port)
	}
	for _, p := range []string{a.SSHDConfigPath, a.PAMPath, a.RuntimeDir} {
		if !path.IsAbs(p) {
			return fmt.Errorf("%w: path %q must be absolute", ErrInvalidOptions, p)
		}
	}
	switch a.HostKeys {
	case HostKeysGenerate:
	case HostKeysPinned:
		if a.HostKeyDir == "" {
			return fmt.Errorf("%w: pinned host keys need a host key directory", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: host key mode %q", ErrInvalidOptions, a.HostKeys)
	}
	return nil
}

func (p PayloadOptions) validate() error {
	if p.Source == "" {
		return fmt.Errorf("%w: payload source is required", ErrInvalidOptions)
	}
	if !path.IsAbs(p.Target) || p.Target == "/" {
		return fmt.Errorf("%w: payload target %q must be an absolute non-root path", ErrInvalidOptions, p.Target)
	}
	if p.Package == "" || p.Package == "." || p.Package == ".." || path.Base(p.Package) != p.Package {
		return fmt.Errorf("%w: payload package %q must be a single path element", ErrInvalidOptions, p.Package)
	}
	if p.Installer == "" {
		return fmt.Errorf("%w: payload installer is required", ErrInvalidOptions)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

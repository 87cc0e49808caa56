// SPDX-License-Identifier: MPL-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodeforge/nodeforge/internal/deps"
	"github.com/nodeforge/nodeforge/internal/recipe"
	"github.com/nodeforge/nodeforge/internal/sysconf"
)

type (
	// Config is the root configuration.
	Config struct {
		ContainerEngine string           `mapstructure:"container_engine"`
		Image           ImageConfig      `mapstructure:"image"`
		EnvManager      EnvManagerConfig `mapstructure:"env_manager"`
		SSH             SSHConfig        `mapstructure:"ssh"`
		Identity        IdentityConfig   `mapstructure:"identity"`
		Deps            DepsConfig       `mapstructure:"deps"`
		Payload         PayloadConfig    `mapstructure:"payload"`
		Cache           CacheConfig      `mapstructure:"cache"`
		UI              UIConfig         `mapstructure:"ui"`
	}

	// ImageConfig selects the base image and the name of the result.
	ImageConfig struct {
		Base               string   `mapstructure:"base"`
		Tag                string   `mapstructure:"tag"`
		SystemPackages     []string `mapstructure:"system_packages"`
		RemoveInterpreters []string `mapstructure:"remove_interpreters"`
	}

	// EnvManagerConfig describes the interpreter environment manager.
	EnvManagerConfig struct {
		BinDir      string `mapstructure:"bin_dir"`
		InitCommand string `mapstructure:"init_command"`
		// ProbeTool is looked up under elevation by the probe.
		ProbeTool string `mapstructure:"probe_tool"`
	}

	// SSHConfig is the access policy.
	SSHConfig struct {
		PermitRootLogin string `mapstructure:"permit_root_login"`
		Port            int    `mapstructure:"port"`
		HostKeys        string `mapstructure:"host_keys"`
		HostKeyDir      string `mapstructure:"host_key_dir"`
		StartSSHD       bool   `mapstructure:"start_sshd"`
	}

	// IdentityConfig is the operational account.
	IdentityConfig struct {
		Name  string `mapstructure:"name"`
		Home  string `mapstructure:"home"`
		Shell string `mapstructure:"shell"`
	}

	// DepsConfig is the dependency set. A lock file, when present, takes
	// precedence over Groups.
	DepsConfig struct {
		StrictPins bool        `mapstructure:"strict_pins"`
		Installer  string      `mapstructure:"installer"`
		LockFile   string      `mapstructure:"lock_file"`
		Groups     []DepsGroup `mapstructure:"groups"`
	}

	// DepsGroup is one concern of the dependency set.
	DepsGroup struct {
		Name     string   `mapstructure:"name"`
		Packages []string `mapstructure:"packages"`
	}

	// PayloadConfig describes the payload tree and its install.
	PayloadConfig struct {
		Source      string   `mapstructure:"source"`
		Target      string   `mapstructure:"target"`
		Package     string   `mapstructure:"package"`
		MetadataDir string   `mapstructure:"metadata_dir"`
		Extras      []string `mapstructure:"extras"`
		Ignore      []string `mapstructure:"ignore"`
		Installer   string   `mapstructure:"installer"`
		CLI         string   `mapstructure:"cli"`
	}

	// CacheConfig locates persistent build state.
	CacheConfig struct {
		// Dir holds the layer index. Empty uses the user cache directory.
		Dir string `mapstructure:"dir"`
		// MetricsFile receives a Prometheus textfile after each build.
		MetricsFile string `mapstructure:"metrics_file"`
	}

	// UIConfig controls output.
	UIConfig struct {
		Verbose bool `mapstructure:"verbose"`
	}
)

// DefaultConfig returns the stock worker image configuration.
func DefaultConfig() *Config {
	o := recipe.DefaultOptions()
	groups := make([]DepsGroup, 0, len(o.Deps.Groups))
	for _, g := range o.Deps.Groups {
		dg := DepsGroup{Name: g.Name}
		for _, r := range g.Requirements {
			dg.Packages = append(dg.Packages, r.String())
		}
		groups = append(groups, dg)
	}

	return &Config{
		ContainerEngine: "auto",
		Image: ImageConfig{
			Base:               o.BaseImage,
			Tag:                "nodeforge-worker:latest",
			SystemPackages:     o.SystemPackages,
			RemoveInterpreters: o.RemoveInterpreters,
		},
		EnvManager: EnvManagerConfig{
			BinDir:      o.EnvManager.BinDir,
			InitCommand: o.EnvManager.InitCommand,
			ProbeTool:   "conda",
		},
		SSH: SSHConfig{
			PermitRootLogin: string(o.Access.SSHD.PermitRootLogin),
			Port:            o.Access.Port,
			HostKeys:        string(o.Access.HostKeys),
			StartSSHD:       o.Access.StartSSHD,
		},
		Identity: IdentityConfig{
			Name:  o.Identity.Name,
			Home:  o.Identity.Home,
			Shell: o.Identity.Shell,
		},
		Deps: DepsConfig{
			StrictPins: o.DepsPolicy.StrictPins,
			Installer:  o.DepsInstaller,
			Groups:     groups,
		},
		Payload: PayloadConfig{
			Source:      o.Payload.Source,
			Target:      o.Payload.Target,
			Package:     o.Payload.Package,
			MetadataDir: o.Payload.MetadataDir,
			Extras:      o.Payload.Extras,
			Ignore:      []string{},
			Installer:   o.Payload.Installer,
			CLI:         o.Payload.CLI,
		},
	}
}

// DepsSet resolves the dependency set: the lock file when one exists,
// otherwise the configured groups.
func (c *Config) DepsSet() (deps.Set, error) {
	if c.Deps.LockFile != "" {
		if _, err := os.Stat(c.Deps.LockFile); err == nil {
			return deps.ReadLock(c.Deps.LockFile)
		}
	}
	var s deps.Set
	for _, g := range c.Deps.Groups {
		grp, err := deps.NewGroup(g.Name, g.Packages...)
		if err != nil {
			return deps.Set{}, err
		}
		s.Groups = append(s.Groups, grp)
	}
	return s, nil
}

// RecipeOptions maps the configuration onto recipe options. Relative payload
// and host key paths are resolved against base.
func (c *Config) RecipeOptions(base string) (recipe.Options, error) {
	o := recipe.DefaultOptions()

	o.BaseImage = c.Image.Base
	o.SystemPackages = c.Image.SystemPackages
	o.RemoveInterpreters = c.Image.RemoveInterpreters
	o.EnvManager = recipe.EnvManager{BinDir: c.EnvManager.BinDir, InitCommand: c.EnvManager.InitCommand}

	o.Access.SSHD.PermitRootLogin = sysconf.PermitRootLogin(c.SSH.PermitRootLogin)
	o.Access.Port = c.SSH.Port
	if c.SSH.Port != 22 {
		o.Access.SSHD.Port = c.SSH.Port
	}
	o.Access.HostKeys = recipe.HostKeyMode(c.SSH.HostKeys)
	if c.SSH.HostKeyDir != "" {
		o.Access.HostKeyDir = resolve(base, c.SSH.HostKeyDir)
	}
	o.Access.StartSSHD = c.SSH.StartSSHD

	o.Identity = recipe.Identity{Name: c.Identity.Name, Home: c.Identity.Home, Shell: c.Identity.Shell}

	set, err := c.DepsSet()
	if err != nil {
		return recipe.Options{}, fmt.Errorf("dependency set: %w", err)
	}
	o.Deps = set
	o.DepsPolicy = deps.Policy{StrictPins: c.Deps.StrictPins}
	o.DepsInstaller = c.Deps.Installer

	o.Payload = recipe.PayloadOptions{
		Source:      resolve(base, c.Payload.Source),
		Ignore:      c.Payload.Ignore,
		Target:      c.Payload.Target,
		Package:     c.Payload.Package,
		MetadataDir: c.Payload.MetadataDir,
		Extras:      c.Payload.Extras,
		Installer:   c.Payload.Installer,
		CLI:         c.Payload.CLI,
	}
	return o, nil
}

// CacheDir returns the layer cache directory.
func (c *Config) CacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return c.Cache.Dir, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get cache directory: %w", err)
	}
	return filepath.Join(dir, AppName), nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}

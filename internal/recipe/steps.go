// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"fmt"
	"path"
	"strings"

	"github.com/nodeforge/nodeforge/internal/shell"
	"github.com/nodeforge/nodeforge/internal/sysconf"
)

// IdentityConflictMarker is printed by the identity step when the login name
// already exists with different attributes.
const IdentityConflictMarker = "nodeforge: identity conflict"

// UserPathLine is appended to the identity's shell rc file.
const UserPathLine = `export PATH="$PATH:$HOME/.local/bin"`

func baseStep(o Options) (*Step, error) {
	install, err := shell.Command("apt-get", append([]string{"install", "-y"}, o.SystemPackages...)...)
	if err != nil {
		return nil, err
	}
	script := shell.Script{
		"apt-get update -y",
		"DEBIAN_FRONTEND=noninteractive " + install,
	}
	actions := []Action{ActionInstallSystemPackages}

	if len(o.RemoveInterpreters) > 0 {
		remove, err := shell.Command("apt-get", append([]string{"remove", "-y"}, o.RemoveInterpreters...)...)
		if err != nil {
			return nil, err
		}
		script = append(script, "DEBIAN_FRONTEND=noninteractive "+remove)
		actions = append(actions, ActionRemoveInterpreters)
	}

	script = append(script, "rm -rf /var/lib/apt/lists/*")
	actions = append(actions, ActionPurgePackageCache)

	if o.EnvManager.InitCommand != "" {
		script = append(script, o.EnvManager.InitCommand)
		actions = append(actions, ActionInitEnvManager)
	}

	run, err := Run(script)
	if err != nil {
		return nil, fmt.Errorf("base step: %w", err)
	}
	return &Step{
		Name:         StepBase,
		Actions:      actions,
		Instructions: []Instruction{run},
	}, nil
}

func accessStep(o Options) (*Step, error) {
	a := o.Access
	s := &Step{Name: StepAccessBootstrap, Requires: []StepName{StepBase}}

	mkdir, err := shell.Command("mkdir", "-p", a.RuntimeDir)
	if err != nil {
		return nil, err
	}
	script := shell.Script{mkdir}
	s.Actions = append(s.Actions, ActionCreateSSHDRuntimeDir)

	sshd, err := a.SSHD.ShellPatch(a.SSHDConfigPath)
	if err != nil {
		return nil, fmt.Errorf("access step: %w", err)
	}
	script = append(script, sshd...)
	s.Actions = append(s.Actions, ActionConfigureSSHD)

	pam, err := a.PAMRule.ShellPatch(a.PAMPath)
	if err != nil {
		return nil, fmt.Errorf("access step: %w", err)
	}
	script = append(script, pam...)
	s.Actions = append(s.Actions, ActionRelaxPAMSession)

	keygen := "ssh-keygen -A"
	if a.HostKeys == HostKeysPinned {
		run, err := Run(script)
		if err != nil {
			return nil, fmt.Errorf("access step: %w", err)
		}
		s.Instructions = append(s.Instructions, run, Copy(InputHostKeys+"/", "/etc/ssh/", ""))
		s.Inputs = append(s.Inputs, Input{Name: InputHostKeys, Source: a.HostKeyDir, ContextDir: InputHostKeys})
		s.Actions = append(s.Actions, ActionInstallHostKeys)
		script = shell.Script{
			"chmod 0600 /etc/ssh/ssh_host_*_key",
			"chmod 0644 /etc/ssh/ssh_host_*_key.pub",
			keygen,
		}
	} else {
		script = append(script, keygen)
	}
	s.Actions = append(s.Actions, ActionGenerateHostKeys)

	run, err := Run(script)
	if err != nil {
		return nil, fmt.Errorf("access step: %w", err)
	}
	s.Instructions = append(s.Instructions, run, Expose(a.Port))
	s.Actions = append(s.Actions, ActionExposeSSH)
	return s, nil
}

func identityScript(id Identity) (string, error) {
	name, err := shell.Quote(id.Name)
	if err != nil {
		return "", err
	}
	home, err := shell.Quote(id.Home)
	if err != nil {
		return "", err
	}
	sh, err := shell.Quote(id.Shell)
	if err != nil {
		return "", err
	}
	msg, err := shell.Quote(fmt.Sprintf("%s: %s exists with a different home or shell", IdentityConflictMarker, id.Name))
	if err != nil {
		return "", err
	}

	// An existing account is reused only when it already matches.
	return "if id -u " + name + " >/dev/null 2>&1; then " +
		`[ "$(getent passwd ` + name + ` | cut -d: -f6)" = ` + home + " ] && " +
		`[ "$(getent passwd ` + name + ` | cut -d: -f7)" = ` + sh + " ] || " +
		"{ echo " + msg + " >&2; exit 1; }; " +
		"else useradd -m -d " + home + " -s " + sh + " " + name + "; fi", nil
}

func identityStep(o Options) (*Step, error) {
	create, err := identityScript(o.Identity)
	if err != nil {
		return nil, err
	}
	sudoers := sysconf.Sudoers{
		User:       o.Identity.Name,
		NoPassword: true,
		SecurePath: sysconf.SecurePathWith(sysconf.DefaultSecurePath, o.EnvManager.BinDir),
	}
	grant, err := sudoers.ShellInstall()
	if err != nil {
		return nil, fmt.Errorf("identity step: %w", err)
	}

	run, err := Run(append(shell.Script{create}, grant...))
	if err != nil {
		return nil, fmt.Errorf("identity step: %w", err)
	}
	return &Step{
		Name:         StepIdentity,
		Requires:     []StepName{StepAccessBootstrap},
		Actions:      []Action{ActionCreateIdentity, ActionGrantElevation, ActionSwitchUser},
		Instructions: []Instruction{run, User(o.Identity.Name)},
	}, nil
}

func depsStep(o Options) (*Step, error) {
	cmds, err := o.Deps.InstallCommands(o.DepsInstaller)
	if err != nil {
		return nil, err
	}
	s := &Step{
		Name:     StepDeps,
		Requires: []StepName{StepIdentity},
		Actions:  []Action{ActionInstallDeps, ActionExtendUserPath},
	}
	// one instruction per group keeps engine-level caching per concern
	for _, c := range cmds {
		run, err := Run(shell.Script{c})
		if err != nil {
			return nil, fmt.Errorf("deps step: %w", err)
		}
		s.Instructions = append(s.Instructions, run)
	}

	rc, err := shell.Quote(path.Join(o.Identity.Home, ".bashrc"))
	if err != nil {
		return nil, err
	}
	line, err := shell.Quote(UserPathLine)
	if err != nil {
		return nil, err
	}
	run, err := Run(shell.Script{"{ grep -qxF " + line + " " + rc + " || printf '%s\\n' " + line + " >> " + rc + "; }"})
	if err != nil {
		return nil, fmt.Errorf("deps step: %w", err)
	}
	s.Instructions = append(s.Instructions, run)
	return s, nil
}

// PayloadDir is where the payload tree lands inside the image.
func (p PayloadOptions) PayloadDir() string {
	return path.Join(p.Target, p.Package)
}

func payloadStep(o Options) (*Step, error) {
	p := o.Payload
	owner := o.Identity.Owner()
	s := &Step{
		Name:     StepPayload,
		Requires: []StepName{StepDeps},
		Inputs:   []Input{{Name: InputPayload, Source: p.Source, ContextDir: InputPayload, Ignore: p.Ignore}},
	}

	s.Instructions = append(s.Instructions, Copy(InputPayload+"/", p.PayloadDir()+"/", owner))
	s.Actions = append(s.Actions, ActionCopyPayload)

	target, err := shell.Quote(p.Target)
	if err != nil {
		return nil, err
	}
	script := shell.Script{"cd " + target}
	if p.MetadataDir != "" {
		meta, err := shell.Quote(path.Join(p.Package, p.MetadataDir))
		if err != nil {
			return nil, err
		}
		script = append(script, "sudo mv -v "+meta+"/* .")
		s.Actions = append(s.Actions, ActionRelocateMetadata)
	}

	spec := "."
	if len(p.Extras) > 0 {
		spec = ".[" + strings.Join(p.Extras, ",") + "]"
	}
	qspec, err := shell.Quote(spec)
	if err != nil {
		return nil, err
	}
	script = append(script, "sudo "+p.Installer+" -e "+qspec)
	s.Actions = append(s.Actions, ActionInstallPayload)

	chown, err := shell.Command("sudo", "chown", "-R", owner, p.Target)
	if err != nil {
		return nil, err
	}
	script = append(script, chown)
	s.Actions = append(s.Actions, ActionRestoreOwnership)

	run, err := Run(script)
	if err != nil {
		return nil, fmt.Errorf("payload step: %w", err)
	}
	s.Instructions = append(s.Instructions, run, Workdir(o.Identity.Home))
	s.Actions = append(s.Actions, ActionSetWorkdir)

	if o.EnvManager.InitCommand != "" {
		reinit, err := Run(shell.Script{o.EnvManager.InitCommand})
		if err != nil {
			return nil, fmt.Errorf("payload step: %w", err)
		}
		s.Instructions = append(s.Instructions, reinit)
		s.Actions = append(s.Actions, ActionReinitShell)
	}

	if o.Access.StartSSHD {
		cmd, err := Cmd("sudo", "/usr/sbin/sshd", "-D")
		if err != nil {
			return nil, err
		}
		s.Instructions = append(s.Instructions, cmd)
		s.Actions = append(s.Actions, ActionStartSSHD)
	}
	return s, nil
}

// SPDX-License-Identifier: MPL-2.0

package issue

import "github.com/charmbracelet/glamour"

// Id identifies an issue page.
type Id int

const (
	EngineNotFoundId Id = iota + 1
	ConfigLoadFailedId
	OrderViolationId
	UnpinnedDependencyId
	IdentityConflictId
	StepFailedId
	NodeNotReadyId
	ImageCheckFailedId
)

type (
	// MarkdownMsg is Markdown text rendered to the terminal.
	MarkdownMsg string

	// HttpLink is a documentation link attached to an issue.
	HttpLink string

	// Issue is a long-form explanation of a failure class.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

// Render renders the issue with the given glamour style ("dark", "light", "notty", ...).
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		md += "\n\n## See also\n"
		for _, link := range i.docLinks {
			md += "- <" + string(link) + ">\n"
		}
	}
	return render(md, stylePath)
}

var (
	render = glamour.Render

	engineNotFoundIssue = &Issue{
		id: EngineNotFoundId,
		mdMsg: `
# No container engine available

nodeforge builds every layer through Docker or Podman and neither answered.

## Things you can try
- Check the daemon is running:
~~~
$ docker version
$ podman version
~~~
- Select the engine explicitly in your config:
~~~cue
container_engine: "podman"
~~~`,
		docLinks: []HttpLink{"https://docs.docker.com/engine/install/"},
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration

The config file is not valid CUE or does not match the schema.

## Things you can try
- Print the effective defaults:
~~~
$ nodeforge config show
~~~
- Regenerate a default file:
~~~
$ nodeforge config init
~~~`,
	}

	orderViolationIssue = &Issue{
		id: OrderViolationId,
		mdMsg: `
# Recipe order violation

A frequently changing instruction sits before a rarely changing one, or a step
runs before the step it depends on. The dependency set must be installed before
the payload is copied, otherwise every payload change re-installs every library.

## Required order
1. base
2. access-bootstrap
3. identity
4. deps
5. payload`,
	}

	unpinnedDependencyIssue = &Issue{
		id: UnpinnedDependencyId,
		mdMsg: `
# Unpinned dependency

Strict pinning is on and a requirement is not an exact ` + "`==`" + ` pin. Range or
missing pins make the dependency layer non-reproducible.

## Things you can try
- Pin the version exactly, e.g. ` + "`protobuf==3.20.3`" + `
- Generate a lock file from a known-good set:
~~~
$ nodeforge lock
~~~`,
	}

	identityConflictIssue = &Issue{
		id: IdentityConflictId,
		mdMsg: `
# Operational identity conflict

The base image already has an account with the operational login name but a
different home directory or shell. nodeforge refuses to reuse it.

## Things you can try
- Pick a different ` + "`identity.name`" + `
- Or align ` + "`identity.home`" + ` and ` + "`identity.shell`" + ` with the existing account`,
	}

	stepFailedIssue = &Issue{
		id: StepFailedId,
		mdMsg: `
# Build step failed

A provisioning step failed. The build stopped at that step and no final image
tag was applied; layers committed before the failure stay cached.

## Things you can try
- Re-run with ` + "`--verbose`" + ` to stream the engine output
- Inspect the rendered recipe:
~~~
$ nodeforge render
~~~`,
	}

	nodeNotReadyIssue = &Issue{
		id: NodeNotReadyId,
		mdMsg: `
# Node not ready

The node did not accept an SSH session for the operational identity, or one of
the post-login checks failed.

## Things you can try
- Check sshd runs in the container (` + "`sudo /usr/sbin/sshd -D`" + `)
- Pin the expected host key with ` + "`--fingerprint`" + `
- Increase ` + "`--timeout`" + ` for slow schedulers`,
	}

	imageCheckFailedIssue = &Issue{
		id: ImageCheckFailedId,
		mdMsg: `
# Image check failed

Every layer committed but the finished image failed a check run as the
operational identity. The top layer was evicted from the cache and the engine,
so the next build rebuilds it. No final tag was applied.

## Things you can try
- Re-run with ` + "`--verbose`" + ` to see the check output
- Review the sudoers and sshd settings in the rendered recipe:
~~~
$ nodeforge render
~~~`,
	}

	issues = map[Id]*Issue{
		engineNotFoundIssue.id:     engineNotFoundIssue,
		configLoadFailedIssue.id:   configLoadFailedIssue,
		orderViolationIssue.id:     orderViolationIssue,
		unpinnedDependencyIssue.id: unpinnedDependencyIssue,
		identityConflictIssue.id:   identityConflictIssue,
		stepFailedIssue.id:         stepFailedIssue,
		nodeNotReadyIssue.id:       nodeNotReadyIssue,
		imageCheckFailedIssue.id:   imageCheckFailedIssue,
	}
)

// Get returns the issue page for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}

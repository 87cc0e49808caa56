// SPDX-License-Identifier: MPL-2.0

package recipe

import (
	"errors"
	"fmt"

	"github.com/nodeforge/nodeforge/internal/dag"
)

// Actions name what an instruction achieves, independent of how it is written.
const (
	ActionInstallSystemPackages Action = "install-system-packages"
	ActionRemoveInterpreters    Action = "remove-interpreters"
	ActionPurgePackageCache     Action = "purge-package-cache"
	ActionInitEnvManager        Action = "init-env-manager"

	ActionCreateSSHDRuntimeDir Action = "create-sshd-runtime-dir"
	ActionConfigureSSHD        Action = "configure-sshd"
	ActionRelaxPAMSession      Action = "relax-pam-session"
	ActionInstallHostKeys      Action = "install-host-keys"
	ActionGenerateHostKeys     Action = "generate-host-keys"
	ActionExposeSSH            Action = "expose-ssh"

	ActionCreateIdentity    Action = "create-identity"
	ActionGrantElevation    Action = "grant-elevation"
	ActionSwitchUser        Action = "switch-user"
	ActionInstallDeps       Action = "install-deps"
	ActionExtendUserPath    Action = "extend-user-path"
	ActionCopyPayload       Action = "copy-payload"
	ActionRelocateMetadata  Action = "relocate-metadata"
	ActionInstallPayload    Action = "install-payload"
	ActionRestoreOwnership  Action = "restore-ownership"
	ActionSetWorkdir        Action = "set-workdir"
	ActionReinitShell       Action = "reinit-shell"
	ActionStartSSHD         Action = "start-sshd"
)

// ErrOrderViolation is wrapped by every ordering failure.
var ErrOrderViolation = errors.New("recipe order violation")

type (
	// Action is a semantic marker attached to a step.
	Action string

	// OrderRule requires Before to appear earlier than After.
	OrderRule struct {
		Before Action
		After  Action
	}

	// OrderViolationError reports an action placed ahead of a prerequisite
	// (or whose prerequisite is missing).
	OrderViolationError struct {
		Action       string
		Prerequisite string
	}
)

func (e *OrderViolationError) Error() string {
	return fmt.Sprintf("%s: %s must come after %s", ErrOrderViolation, e.Action, e.Prerequisite)
}

func (e *OrderViolationError) Unwrap() error { return ErrOrderViolation }

// PayloadOrderRules keep the rarely changing dependency layer below the
// payload.
func PayloadOrderRules() []OrderRule {
	return []OrderRule{
		{ActionInstallDeps, ActionCopyPayload},
		{ActionCopyPayload, ActionInstallPayload},
	}
}

// DefaultOrderRules are the ordering constraints every recipe must satisfy.
func DefaultOrderRules() []OrderRule {
	return append(PayloadOrderRules(),
		OrderRule{ActionInstallSystemPackages, ActionGenerateHostKeys},
		OrderRule{ActionCreateSSHDRuntimeDir, ActionConfigureSSHD},
		OrderRule{ActionConfigureSSHD, ActionRelaxPAMSession},
		OrderRule{ActionRelaxPAMSession, ActionGenerateHostKeys},
		OrderRule{ActionCreateIdentity, ActionGrantElevation},
		OrderRule{ActionGrantElevation, ActionSwitchUser},
		OrderRule{ActionCreateIdentity, ActionCopyPayload},
		OrderRule{ActionInstallPayload, ActionRestoreOwnership},
	)
}

// CheckOrder verifies actions against rules. An action whose prerequisite is
// absent is a violation; rules whose After action is absent do not apply.
func CheckOrder(actions []Action, rules []OrderRule) error {
	g := dag.New[Action]()
	for _, r := range rules {
		g.AddEdge(r.Before, r.After)
	}

	err := g.CheckOrder(actions)
	if err == nil {
		return nil
	}
	var oe *dag.OrderError[Action]
	if errors.As(err, &oe) {
		return &OrderViolationError{Action: string(oe.Node), Prerequisite: string(oe.Missing)}
	}
	return fmt.Errorf("%w: %w", ErrOrderViolation, err)
}

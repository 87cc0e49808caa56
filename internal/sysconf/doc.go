// SPDX-License-Identifier: MPL-2.0

// Package sysconf models the shared system configuration a worker image edits
// (sshd login policy, the sshd PAM session stack and sudoers) as typed objects.
//
// Each object renders deterministically and applies idempotently: Apply on its
// own output is a no-op, and ShellPatch emits the shell commands performing the
// same edit inside the image, using the same regular expressions.
package sysconf

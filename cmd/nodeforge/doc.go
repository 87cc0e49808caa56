// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the nodeforge CLI commands.
package cmd

// SPDX-License-Identifier: MPL-2.0

// Package deps models the Python dependency set installed into a worker image:
// requirements grouped by concern, a pin policy, and a TOML lock file.
package deps

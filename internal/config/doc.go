// SPDX-License-Identifier: MPL-2.0

// Package config loads nodeforge settings from a CUE file validated against
// an embedded schema, layered under NODEFORGE_* environment overrides.
package config

// SPDX-License-Identifier: MPL-2.0

// Package pipeline builds a recipe one layer at a time.
//
// Each step is looked up in the layer cache by digest. A hit needs both the
// cache record and the tagged image to be present. The first miss rebuilds
// that step and every step above it. The first failure stops the build and no
// final tag is applied.
package pipeline

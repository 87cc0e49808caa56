// SPDX-License-Identifier: MPL-2.0

// Package container drives Docker or Podman through their CLIs. Each layer of
// a worker image is built by one Build call against a small context directory,
// so the engine's own layer cache is never relied on for correctness.
package container

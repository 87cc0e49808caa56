// SPDX-License-Identifier: MPL-2.0

// Package payload selects, hashes and stages the application source tree that
// is copied into the final layer of a worker image.
package payload

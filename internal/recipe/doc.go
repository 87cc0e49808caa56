// SPDX-License-Identifier: MPL-2.0

// Package recipe describes a worker image as five ordered steps, each
// committing one layer:
//
//	base -> access-bootstrap -> identity -> deps -> payload
//
// A Step carries its Dockerfile instructions plus the semantic Actions they
// perform. Validate checks that steps follow their prerequisites and that
// actions respect the ordering rules, most importantly that the dependency set
// is installed before the payload is copied so a payload change only
// invalidates the last layer.
package recipe

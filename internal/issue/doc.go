// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable error handling with operator-facing messages.
//
// ActionableError carries the failed operation, the resource involved and
// remediation hints. Issue pages give longer Markdown guidance for the failure
// classes an image build can hit, rendered in the terminal with glamour.
package issue

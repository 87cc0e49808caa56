// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/nodeforge/nodeforge/cmd/nodeforge"

func main() {
	cmd.Execute()
}

// SPDX-License-Identifier: MPL-2.0

package main

import "gosh-builder/cmd/gosh"

func main() {
	cmd.Execute()
}

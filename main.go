// The main package for the ssrproxy executable.
package main

import (
	"github.com/JakeFAU/ssr-proxy/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

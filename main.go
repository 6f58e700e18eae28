// The main package for the msgbridge executable.
package main

import (
	"github.com/JakeFAU/msgbridge/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

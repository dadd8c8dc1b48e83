// The main package for the rotator executable.
package main

import (
	"github.com/JakeFAU/proxy-session-rotator/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}

// The main package for the webaudit executable.
package main

import (
	"github.com/JakeFAU/webaudit/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}

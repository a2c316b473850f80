// The main package for the mdagent executable.
package main

import (
	"github.com/JakeFAU/mdagent/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

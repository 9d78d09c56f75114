// The main package for the statecrawler executable.
package main

import (
	"github.com/JakeFAU/statecrawler/cmd"
)

// main defers everything to the cobra CLI.
func main() {
	cmd.Execute()
}

// The main package for the resumecrawler executable.
package main

import (
	"github.com/JakeFAU/resume-corpus-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

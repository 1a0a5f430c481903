// Command gousbmuxctl is a thin CLI front-end over this module's client
// stack: enumerate attached Apple devices, start and query the lockdown
// control service, and start arbitrary lockdown-registered services
// (spec.md §6).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

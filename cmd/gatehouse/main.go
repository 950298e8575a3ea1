// Command gatehouse pairs a terminal with a gatehouse account and manages the
// resulting device session.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCommand(os.Stdout).Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

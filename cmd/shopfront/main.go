// Command shopfront runs the storefront response gateway and exposes the
// response formatter for offline use.
package main

import (
	"fmt"
	"os"
)

// Version is the release reported by the version command.
const Version = "v0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

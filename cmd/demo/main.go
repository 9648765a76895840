// Command demo walks through the keyshield flow with in-memory software
// factor sources: build a shield, securify an account, sign a batch and
// run a recovery.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

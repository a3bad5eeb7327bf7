// Command syncwarden runs the sync resilience service: the HTTP API, the
// dispatch workers and the operator tooling around them.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// Command guardianctl routes tasks, manages guardian memory and serves
// metrics for a guardianmesh deployment.
package main

import (
	"os"
)

// Version information (set at build time)
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

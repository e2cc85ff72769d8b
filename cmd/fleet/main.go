// Package main is the entry point for the sandfleet daemon.
// It cycles a fleet of credential-bound sessions through randomized
// connect/run/cooldown lifecycles until interrupted.
package main

import (
	"os"

	"sandfleet/cmd/fleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Package main provides the payrollsync desktop binary: the flush driver,
// the local admin REST API and the event websocket on localhost, plus
// operator subcommands for inspecting the outbox.
package main

import (
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

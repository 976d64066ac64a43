// Package main provides relayctl, the relay's administrative CLI for the
// whitelist, ignore list and keyword subscriptions.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(openPostgres).Execute(); err != nil {
		os.Exit(1)
	}
}

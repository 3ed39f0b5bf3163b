// Package main is the entry point for dockyard-cli, a thin HTTP client for
// talking to a running dockyard session server.
package main

import "github.com/dockyard/dockyard/internal/cli"

func main() {
	cli.Execute()
}

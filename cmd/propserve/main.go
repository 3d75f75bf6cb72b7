// Package main is the single-binary entrypoint for propserve: the server,
// the batch client and the local inspection tools.
package main

import "github.com/propserve/propserve/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}

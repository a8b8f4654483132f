// Package main provides the entry point for the chunkflow CLI.
package main

import (
	"context"
	"os"

	"github.com/mrz1836/chunkflow/internal/cli"
)

// Set at build time via -ldflags "-X main.version=...".
//
//nolint:gochecknoglobals // build metadata
var (
	version string
	commit  string
	date    string
)

func main() {
	ctx := context.Background()
	err := cli.Execute(ctx, cli.BuildInfo{Version: version, Commit: commit, Date: date})
	os.Exit(cli.ExitCodeForError(err))
}

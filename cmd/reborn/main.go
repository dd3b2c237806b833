package main

import (
	"fmt"
	"os"

	"github.com/reborn-dev/reborn/cmd/reborn/cmds"
	"github.com/reborn-dev/reborn/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.RebornVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Command limba-runapp is the setuid-root launcher front end: runapp
// <pkg-id>:<relative-executable> [args...]. It intentionally does not
// use cobra (unlike every other limba binary) — matching how
// original_source/tools/runapp/runapp.c is a standalone, dependency-free
// binary, since it must run setuid-root with the smallest attack surface
// the task allows, and pulling in a CLI framework is scope a careful
// implementer of a setuid tool avoids.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/limba-pkg/limba/internal/config"
	"github.com/limba-pkg/limba/internal/launcher"
)

const launchPrefix = "/app"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: limba-runapp <pkg-id>:<relative-executable> [args...]")
		os.Exit(launcher.ExitUsage)
	}

	cfg, err := config.DefaultConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(launcher.ExitUsage)
	}

	l := launcher.New(cfg.SoftwareRoot, launchPrefix)

	invocation := os.Args[1]
	args := os.Args[2:]

	err = l.Run(context.Background(), invocation, args)
	if err == nil {
		return // syscall.Exec only returns on error
	}

	fmt.Fprintln(os.Stderr, err)
	if le, ok := err.(*launcher.LauncherError); ok {
		os.Exit(le.ExitCode)
	}
	os.Exit(launcher.ExitUsage)
}

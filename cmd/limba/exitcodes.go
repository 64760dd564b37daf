package main

import "os"

// Exit codes, §6 (3 and 6 are meaningful only to limba-runapp).
const (
	ExitSuccess  = 0
	ExitGeneral  = 1
	ExitUsage    = 2
)

func exitWithCode(code int) {
	os.Exit(code)
}

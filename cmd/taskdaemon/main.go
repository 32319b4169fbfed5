// Command taskdaemon runs the orchestration daemon: it admits plans,
// specs, phases and ralph loops, drives each through the engine against
// isolated git worktrees, and exposes a control surface for operators.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

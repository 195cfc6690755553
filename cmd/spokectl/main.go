package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/meridian-sys/spokectl/internal/pipeline"
)

// Exit codes. Scripts drive resume and reset off these, keep them
// stable.
const (
	exitOK             = 0
	exitFailure        = 1
	exitLockContention = 2
	exitTerminalState  = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		switch {
		case errors.Is(err, pipeline.ErrLockContention):
			os.Exit(exitLockContention)
		case errors.Is(err, pipeline.ErrTerminalState):
			os.Exit(exitTerminalState)
		default:
			os.Exit(exitFailure)
		}
	}
}

// Sitebox: local sandbox orchestration for isolated web-app environments.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sitebox/internal/site"
)

var rootCmd = &cobra.Command{
	Use:   "sitebox",
	Short: "Sitebox: isolated local web-app sandboxes with one command.",
	Long: `Sitebox provisions isolated local web application sandboxes: each sandbox
gets its own port, its own server process, and its own storage backend.
Client-server databases are verified before use and automatically replaced
with an embedded database when unavailable, so creating a sandbox always succeeds
on a bare machine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(
		createCmd, startCmd, stopCmd, deleteCmd, listCmd, swapCmd,
		serveCmd, versionCmd,
	)
	_ = godotenv.Load()
}

// Exit codes per failure kind, so scripts can branch on the outcome.
const (
	exitGeneric      = 1
	exitValidation   = 2
	exitDuplicate    = 3
	exitPortsFull    = 4
	exitStartTimeout = 5
	exitSwapRollback = 6
	exitNotFound     = 7
)

func exitCodeFor(err error) int {
	var verr *site.ValidationError
	switch {
	case errors.As(err, &verr):
		return exitValidation
	case errors.Is(err, site.ErrDuplicateDomain):
		return exitDuplicate
	case errors.Is(err, site.ErrPortExhausted):
		return exitPortsFull
	case errors.Is(err, site.ErrProcessStartTimeout):
		return exitStartTimeout
	case errors.Is(err, site.ErrSwapRollbackFailed):
		return exitSwapRollback
	case errors.Is(err, site.ErrNotFound):
		return exitNotFound
	default:
		return exitGeneric
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// Package cli is the phpscan command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitFindings = 1
	ExitSetup    = 1
	ExitInternal = 2
)

// ExitError carries a process exit code. Err may be nil when there is
// nothing more to print.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func setupError(err error) error {
	return &ExitError{Code: ExitSetup, Err: err}
}

// NewRootCommand builds the command tree writing to the given streams.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "phpscan",
		Short:         "Parallel static analysis for PHP",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		newAnalyseCommand(),
		newWorkerCommand(),
	)
	return root
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	log.SetOutput(stderr)

	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return ExitOK
	}

	var ee *ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil {
			fmt.Fprintf(stderr, "phpscan: %v\n", ee.Err)
		}
		return ee.Code
	}
	// Flag and argument errors happen before anything started.
	fmt.Fprintf(stderr, "phpscan: %v\n", err)
	return ExitSetup
}

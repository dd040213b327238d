// Command robomirror mirrors folders with Robocopy, optionally reading the
// source through a volume shadow copy.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/logger"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	defer logger.Shutdown()

	root := newRootCmd(&app{in: in, out: out, errOut: errOut})
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode lets scripts tell a declined or aborted run from a failure
func exitCode(err error) int {
	if errors.Is(err, domain.ErrAborted) {
		return 2
	}
	return 1
}

// Command winvblk controls a running winvblockd: it scans for and mounts AoE
// targets, and attaches and detaches disk images.
//
// Exit status is 0 on success, 1 for usage errors and 2 when the request
// could not be carried out.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// A requestError is a failure talking to winvblockd or reported by it.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

// execute runs winvblk with args and returns its exit status.
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		var re *requestError
		if errors.As(err, &re) {
			return 2
		}
		return 1
	}
	return 0
}

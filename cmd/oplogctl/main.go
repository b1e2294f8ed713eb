// Command oplogctl inspects and edits durable worker operation logs.
//
// Exit codes:
//
//	0 = success
//	1 = the log failed verification (divergence or integrity)
//	2 = usage or runtime error
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

func exitCode(err error) int {
	if errors.Is(err, oplog.ErrDivergence) || oplog.IsIntegrity(err) {
		return 1
	}
	return 2
}

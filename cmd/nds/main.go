// Command nds runs and operates a replicated asset ledger node.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Misty4119/nds-api/internal/cli"
)

var version = "dev"

func main() {
	err := cli.NewRootCommand(version).ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}

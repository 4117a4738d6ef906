package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/flowcrm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "flowcrm:", err)
		os.Exit(cli.GetExitCode(err))
	}
}

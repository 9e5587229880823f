package main

// ============================================================================
// viewrefresh entry point: build the CLI, run it, turn errors into exit codes.
// All logic lives in internal/cli.
// ============================================================================

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/viewrefresh/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(2)
		}
	}()

	rootCmd := cli.BuildCLI()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/bryan-buckman/subscriptiondb/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

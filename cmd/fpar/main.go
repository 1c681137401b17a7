// Command fpar runs a command once for every line of input across a pool of
// persistent shells.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// TODO: Inject version at build time.
const version = "0.0.1"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)
	defer cancel()

	err := newCLI(os.Stdin, os.Stdout, os.Stderr).rootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fpar: %s\n", err)
	}

	return exitCode(err)
}

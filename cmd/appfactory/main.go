// Command appfactory drives research briefs through the idea-pack pipeline.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kingrea/appfactory/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

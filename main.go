package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/Tutortoise/llie-pipeline/zoo"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&predictCommand{}, "")
	subcommands.Register(&benchmarkCommand{}, "")
	subcommands.Register(&serveCommand{}, "")
	subcommands.Register(&inspectCommand{}, "")

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	zoo.ShutdownRuntime()
	os.Exit(int(status))
}

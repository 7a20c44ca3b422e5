// Command fundctl manages a running fundwatch service through its control API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"

	"github.com/coachpo/fundwatch/internal/cli"
)

const addrEnvVar = "FUNDWATCH_API"

func main() {
	app := &cli.App{Out: os.Stdout, Err: os.Stderr}
	defaultAddr := cli.DefaultAddr
	if fromEnv := os.Getenv(addrEnvVar); fromEnv != "" {
		defaultAddr = fromEnv
	}
	flag.StringVar(&app.Addr, "addr", defaultAddr, "Control API base URL (env "+addrEnvVar+")")

	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")
	cli.Register(commander, app)

	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}

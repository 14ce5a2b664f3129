package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"balancebot/internal/fault"
)

type CLI struct {
	Config      string `short:"c" default:"./balancebot.yaml" help:"Path to YAML config."`
	Sim         bool   `help:"Drive the simulated plant instead of the hardware."`
	Arm         bool   `help:"Arm the supervisor at startup."`
	Listen      string `help:"Override web.listen."`
	LogFile     string `name:"log-file" help:"Override log.filename."`
	CheckConfig bool   `name:"check-config" help:"Load and validate the config, then exit."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("balancebot"),
		kong.Description("Balancing controller for a two-wheeled robot."),
		kong.UsageOnError(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cli); err != nil {
		log.Printf("balancebot: %v", err)
		cancel()
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for a startup failure of a required device and 1 otherwise.
func exitCode(err error) int {
	if fault.Fatal(err) {
		return 2
	}
	return 1
}

package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/urfave/cli/v2"

	"github.com/salesagent/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "salesagent",
		Usage:   "AI sales agent that answers inbound chat messages",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "salesagent.toml",
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.WorkerCommand(),
			cmd.MigrateCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

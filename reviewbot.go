package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/iteam1/reviewbot/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "reviewbot",
		Usage:   "LLM-powered review comments for GitHub pull requests and GitLab merge requests",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"REVIEWBOT_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(version),
			cmd.ReviewCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

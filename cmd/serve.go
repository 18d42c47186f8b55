package cmd

import (
	"context"

	"github.com/urfave/cli/v2"

	"github.com/iteam1/reviewbot/internal/api"
	"github.com/iteam1/reviewbot/internal/logging"
)

// ServeCommand returns the CLI command for starting the webhook server
func ServeCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the webhook server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the webhook server (overrides server.port)",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Review and format but never post comments",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c.String("config"))
			if err != nil {
				return err
			}
			if p := c.Int("port"); p != 0 {
				cfg.Server.Port = p
			}

			logger := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
			comps, err := buildComponents(context.Background(), cfg, logger, c.Bool("dry-run"))
			if err != nil {
				return err
			}

			server := api.NewServer(api.Options{
				Port:         cfg.Server.Port,
				RunTimeout:   cfg.Server.RunTimeout,
				MaxBodyBytes: cfg.Server.MaxBodyBytes,
				Version:      version,
			}, comps.registry, comps.verifiers, comps.orchestrator, logger)
			return server.Start()
		},
	}
}

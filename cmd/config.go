package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/iteam1/reviewbot/internal/config"
	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/internal/providers"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize a new configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "reviewbot.toml",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:  "validate",
				Usage: "Validate the configuration file",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "check-connection",
						Usage: "Also verify provider credentials and the LLM backend",
					},
				},
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	if err := config.InitConfig(outputPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "Created configuration file at %s\n", outputPath)
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "Configuration is valid")

	if !c.Bool("check-connection") {
		return nil
	}

	logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	registry, _, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	for _, name := range registry.Names() {
		a, _ := registry.Get(name)
		v, ok := a.(providers.ConnectionVerifier)
		if !ok {
			continue
		}
		user, err := v.VerifyConnection(ctx)
		if err != nil {
			return fmt.Errorf("%s connection failed: %w", name, err)
		}
		fmt.Fprintf(c.App.Writer, "%s: authenticated as %s\n", name, user)
	}

	connector, err := buildConnector(ctx, cfg)
	if err != nil {
		return err
	}
	if err := connector.Ping(ctx); err != nil {
		return fmt.Errorf("llm connection failed: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "llm: %s/%s is reachable\n", connector.Provider(), connector.Model())
	return nil
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/internal/pipeline"
)

// ReviewCommand returns the review command. It replays a stored webhook
// payload through the pipeline.
func ReviewCommand() *cli.Command {
	return &cli.Command{
		Name:  "review",
		Usage: "Review a change request from a stored webhook payload",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "provider",
				Aliases:  []string{"p"},
				Usage:    "Provider of the payload (github or gitlab)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Read the webhook payload from `FILE` (- for stdin)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "event",
				Usage: "Event header value (e.g. pull_request, \"Merge Request Hook\")",
			},
			&cli.BoolFlag{
				Name:    "dry-run",
				Aliases: []string{"d"},
				Usage:   "Print the comment instead of posting it",
			},
		},
		Action: runReview,
	}
}

// eventHeaders maps a provider to the header carrying its event kind.
var eventHeaders = map[string]string{
	"github": "X-GitHub-Event",
	"gitlab": "X-Gitlab-Event",
}

func runReview(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	body, err := readPayload(c.String("file"))
	if err != nil {
		return err
	}

	providerName := c.String("provider")
	headers := map[string]string{}
	if ev := c.String("event"); ev != "" {
		header, ok := eventHeaders[providerName]
		if !ok {
			return fmt.Errorf("unsupported provider: %s", providerName)
		}
		headers[header] = ev
	}

	logger := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.RunTimeout)
	defer cancel()

	comps, err := buildComponents(ctx, cfg, logger, c.Bool("dry-run"))
	if err != nil {
		return err
	}
	adapter, ok := comps.registry.Get(providerName)
	if !ok {
		return fmt.Errorf("provider %q is not enabled", providerName)
	}

	res := comps.orchestrator.Run(ctx, adapter, headers, body)
	return report(c.App.Writer, res)
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

// report prints the outcome of a run. A failed run is returned as an error.
func report(w io.Writer, res *pipeline.Result) error {
	switch res.State {
	case pipeline.StateFailed:
		return fmt.Errorf("review failed (run %s): %w", res.RunID, res.Err)
	case pipeline.StateIgnored:
		fmt.Fprintf(w, "Ignored: %s\n", res.IgnoreReason)
	case pipeline.StateFormatted:
		fmt.Fprintln(w, res.Comment.Body)
	case pipeline.StatePosted:
		out, _ := json.MarshalIndent(res.Ref, "", "  ")
		fmt.Fprintf(w, "Posted review with %d findings in %v\n%s\n", res.Findings, res.Duration, out)
	}
	return nil
}

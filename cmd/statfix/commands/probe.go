package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gigo/statfix/internal/probe"
	"github.com/urfave/cli/v3"
)

// ProbeCommands returns the endpoint probing commands.
func ProbeCommands(_ *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "probe",
			Usage: "Probe HTTP endpoints",
			Commands: []*cli.Command{
				{
					Name:  "ratelimit",
					Usage: "Check whether an endpoint answers bursts with 429 Too Many Requests",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "url",
							Usage: "Endpoint to probe (defaults to probe.url)",
						},
						&cli.IntFlag{
							Name:    "workers",
							Usage:   "Concurrent callers (defaults to probe.workers)",
							Aliases: []string{"w"},
						},
						&cli.IntFlag{
							Name:    "requests",
							Usage:   "Requests per caller (defaults to probe.requests)",
							Aliases: []string{"n"},
						},
						&cli.DurationFlag{
							Name:  "interval",
							Usage: "Pause between requests of one caller (defaults to probe.interval_ms)",
						},
					},
					Action: handleProbeRateLimit,
				},
			},
		},
	}
}

// handleProbeRateLimit handles the 'probe ratelimit' command.
func handleProbeRateLimit(ctx context.Context, c *cli.Command) error {
	cfg, logger, err := scriptEnv()
	if err != nil {
		return err
	}

	opts := probe.Options{
		URL:      cfg.Probe.URL,
		Workers:  cfg.Probe.Workers,
		Requests: cfg.Probe.Requests,
		Interval: time.Duration(cfg.Probe.Interval) * time.Millisecond,
	}

	if c.IsSet("url") {
		opts.URL = c.String("url")
	}

	if c.IsSet("workers") {
		opts.Workers = int(c.Int("workers"))
	}

	if c.IsSet("requests") {
		opts.Requests = int(c.Int("requests"))
	}

	if c.IsSet("interval") {
		opts.Interval = c.Duration("interval")
	}

	result, err := probe.New(nil, logger).RateLimit(ctx, opts)
	if err != nil {
		return err
	}

	codes := make([]int, 0, len(result.StatusCounts))
	for code := range result.StatusCounts {
		codes = append(codes, code)
	}

	sort.Ints(codes)

	for _, code := range codes {
		fmt.Printf("%d: %d\n", code, result.StatusCounts[code])
	}

	if result.Errors > 0 {
		fmt.Printf("errors: %d\n", result.Errors)
	}

	fmt.Println("Hit:", result.Hit)

	return nil
}

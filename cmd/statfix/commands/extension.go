package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gigo/statfix/internal/extension"
	"github.com/urfave/cli/v3"
)

// ExtensionCommands returns the editor extension commands.
func ExtensionCommands(_ *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "extension",
			Usage: "Query the extension registry",
			Commands: []*cli.Command{
				{
					Name:      "compat",
					Usage:     "Find the newest extension version that supports an editor version",
					ArgsUsage: "PUBLISHER.NAME EDITOR_VERSION",
					Description: `Examples:
  statfix extension compat ms-python.python 1.60.0
  statfix extension compat golang.go 1.80.0 --registry https://open-vsx.org`,
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "registry",
							Usage: "Registry base URL (defaults to registry.base_url)",
						},
					},
					Action: handleExtensionCompat,
				},
			},
		},
	}
}

// handleExtensionCompat handles the 'extension compat' command.
func handleExtensionCompat(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() != 2 {
		return ErrExtensionRequired
	}

	publisher, name, ok := strings.Cut(c.Args().Get(0), ".")
	if !ok || publisher == "" || name == "" {
		return ErrExtensionRequired
	}

	cfg, logger, err := scriptEnv()
	if err != nil {
		return err
	}

	baseURL := cfg.Registry.BaseURL
	if c.IsSet("registry") {
		baseURL = c.String("registry")
	}

	client := extension.NewClient(baseURL, time.Duration(cfg.Registry.Timeout)*time.Millisecond, logger)

	version, err := client.LatestCompatible(ctx, publisher, name, c.Args().Get(1))
	if err != nil {
		return err
	}

	fmt.Println("Latest compatible version:", version)

	return nil
}

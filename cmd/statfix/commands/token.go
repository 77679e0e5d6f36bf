package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gigo/statfix/internal/token"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// TokenCommands returns the service token commands.
func TokenCommands(_ *CLIDependencies) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "token",
			Usage: "Generate a long-lived RS256 service token",
			Description: `Signs a service token with the RSA private key. The validity period is
the sum of --days, --hours and --minutes.

Examples:
  statfix token                                   # 1,000,000 days, key from /keys/private.pem
  statfix token --days 30 --out /tmp/token.jwt    # Also write the token to a file`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "key",
					Usage:   "PEM encoded RSA private key",
					Value:   "/keys/private.pem",
					Aliases: []string{"k"},
				},
				&cli.IntFlag{
					Name:  "days",
					Usage: "Days the token stays valid",
					Value: 1_000_000,
				},
				&cli.IntFlag{
					Name:  "hours",
					Usage: "Hours added to the validity period",
				},
				&cli.IntFlag{
					Name:  "minutes",
					Usage: "Minutes added to the validity period",
				},
				&cli.StringFlag{
					Name:    "out",
					Usage:   "Also write the token to this file",
					Aliases: []string{"o"},
				},
				&cli.StringFlag{
					Name:  "user",
					Usage: "Value of the user claim",
				},
				&cli.StringFlag{
					Name:  "user-name",
					Usage: "Value of the user_name claim",
				},
			},
			Action: handleToken,
		},
	}
}

// handleToken handles the 'token' command.
func handleToken(_ context.Context, c *cli.Command) error {
	_, logger, err := scriptEnv()
	if err != nil {
		return err
	}

	keyPEM, err := os.ReadFile(c.String("key"))
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	expiresAt := token.ExpiresAt(time.Now(),
		int(c.Int("days")), int(c.Int("hours")), int(c.Int("minutes")))

	signed, err := token.Generate(keyPEM, token.Claims{
		User:     c.String("user"),
		UserName: c.String("user-name"),
	}, expiresAt)
	if err != nil {
		return err
	}

	if out := c.String("out"); out != "" {
		if err := os.WriteFile(out, []byte(signed), 0o600); err != nil {
			return fmt.Errorf("failed to write token: %w", err)
		}

		logger.Info("Wrote token", zap.String("path", out))
	}

	fmt.Println("##########################################################")
	fmt.Println("SERVICE TOKEN")
	fmt.Println("EXPIRATION:", expiresAt.Local().Format("01/02/2006 15:04:05"))
	fmt.Println("TOKEN:", signed)
	fmt.Println("##########################################################")

	return nil
}

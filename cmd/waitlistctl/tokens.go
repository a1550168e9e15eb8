package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/auth"
)

func mountTokenCommands(cliApp *cli.App) {
	cliApp.Commands = append(cliApp.Commands, &cli.Command{
		Name:  "token",
		Usage: "Credentials for the internal endpoints.",
		Subcommands: []*cli.Command{
			{
				Name:  "issue",
				Usage: "Sign an admin bearer token with ADMIN_JWT_SECRET.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Who the token is for.",
						Value: "operator",
					},
				},
				Action: func(ctx *cli.Context) error {
					tok, err := auth.New(auth.ConfigFromEnv()).IssueAdminToken(ctx.String("subject"))
					if err != nil {
						return err
					}
					fmt.Println(tok)
					return nil
				},
			},
			{
				Name:      "hash-key",
				Usage:     "Print a bcrypt hash for INTERNAL_API_KEY_HASH.",
				ArgsUsage: "<api key>",
				Action: func(ctx *cli.Context) error {
					key := ctx.Args().First()
					if key == "" {
						return fmt.Errorf("api key argument is required")
					}
					h, err := auth.HashAPIKey(key)
					if err != nil {
						return err
					}
					fmt.Println(h)
					return nil
				},
			},
		},
	})
}

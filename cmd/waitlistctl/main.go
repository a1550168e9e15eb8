package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	wlrepo "github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist/repo"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/pkg/database"
)

var version string

func main() {
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:        "waitlistctl",
		Version:     version,
		Description: "Operator tooling for the waitlist service.",
		Usage:       "Inspect and maintain waitlist entries from the command line.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres connection string.",
				EnvVars: []string{"DATABASE_URL"},
			},
		},
	}
	cliApp.Commands = append(cliApp.Commands, migrateCommand)
	mountEntryCommands(cliApp)
	mountTokenCommands(cliApp)

	cliApp.Setup()
	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// openRepo connects to Postgres using the global flag over the environment defaults.
func openRepo(ctx *cli.Context) (*wlrepo.PostgresRepo, func(), error) {
	cfg := database.ConfigFromEnv()
	if u := ctx.String("database-url"); u != "" {
		cfg.DSN = u
	}
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	return wlrepo.NewPostgresRepo(db), func() { _ = db.Close() }, nil
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Create the waitlist tables if they do not exist.",
	Action: func(ctx *cli.Context) error {
		r, done, err := openRepo(ctx)
		if err != nil {
			return err
		}
		defer done()
		if err := r.EnsureTable(ctx.Context); err != nil {
			return err
		}
		fmt.Println("waitlist_entries is up to date")
		return nil
	},
}

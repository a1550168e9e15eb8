package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/events"
	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/waitlist"
)

func mountEntryCommands(cliApp *cli.App) {
	cliApp.Commands = append(cliApp.Commands, &cli.Command{
		Name:    "entry",
		Aliases: []string{"e"},
		Usage:   "Work with a single waitlist entry.",
		Subcommands: []*cli.Command{
			getEntryCommand,
			deleteEntryCommand,
			setPositionCommand,
		},
	})
}

var emailFlag = &cli.StringFlag{
	Name:     "email",
	Aliases:  []string{"m"},
	Usage:    "The entry's email address.",
	Required: true,
}

func entryService(ctx *cli.Context) (*waitlist.Service, func(), error) {
	r, done, err := openRepo(ctx)
	if err != nil {
		return nil, nil, err
	}
	return waitlist.NewService(r, events.Nop{}, waitlist.ConfigFromEnv()), done, nil
}

var getEntryCommand = &cli.Command{
	Name:  "get",
	Usage: "Print an entry as JSON.",
	Flags: []cli.Flag{emailFlag},
	Action: func(ctx *cli.Context) error {
		svc, done, err := entryService(ctx)
		if err != nil {
			return err
		}
		defer done()
		e, err := svc.Lookup(ctx.Context, ctx.String("email"))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(e)
	},
}

var deleteEntryCommand = &cli.Command{
	Name:  "delete",
	Usage: "Delete an entry without the email confirmation step.",
	Flags: []cli.Flag{emailFlag},
	Action: func(ctx *cli.Context) error {
		svc, done, err := entryService(ctx)
		if err != nil {
			return err
		}
		defer done()
		email := waitlist.NormalizeEmail(ctx.String("email"))
		ok, err := svc.Store().DeleteByEmail(ctx.Context, email)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no entry for %s", email)
		}
		fmt.Printf("deleted %s\n", email)
		return nil
	},
}

var setPositionCommand = &cli.Command{
	Name:  "set-position",
	Usage: "Move an entry to an absolute position.",
	Flags: []cli.Flag{
		emailFlag,
		&cli.IntFlag{
			Name:     "position",
			Aliases:  []string{"p"},
			Usage:    "The new position, 1 or greater.",
			Required: true,
		},
	},
	Action: func(ctx *cli.Context) error {
		svc, done, err := entryService(ctx)
		if err != nil {
			return err
		}
		defer done()
		e, err := svc.SetPosition(ctx.Context, ctx.String("email"), ctx.Int("position"))
		if err != nil {
			return err
		}
		fmt.Printf("%s is now at position %d\n", e.Email, e.Position)
		return nil
	},
}

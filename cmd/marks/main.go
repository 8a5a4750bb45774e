package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/MrSnakeDoc/marks/internal/app"
	"github.com/MrSnakeDoc/marks/internal/version"
)

func main() {
	serve := func(c *cli.Context) error {
		return app.New().Run()
	}

	cliApp := &cli.App{
		Name:    "marks",
		Usage:   "Personal bookmarks with a live-synced web client",
		Version: version.Version,
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the web server (default)",
				Action: serve,
			},
			{
				Name:  "import",
				Usage: "Import bookmarks from a homepage bookmarks.yaml or a JSON export",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "owner", Usage: "user id the bookmarks belong to", Required: true},
					&cli.StringFlag{Name: "file", Value: "bookmarks.yaml", Usage: "file to import"},
					&cli.BoolFlag{Name: "dry-run", Usage: "count what would be imported without writing"},
				},
				Action: func(c *cli.Context) error {
					res, err := app.Import(c.Context, app.ImportOptions{
						File:     c.String("file"),
						Owner:    c.String("owner"),
						DryRun:   c.Bool("dry-run"),
						Progress: os.Stderr,
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "\nimported %d, skipped %d duplicates, %d invalid\n",
						res.Imported, res.Skipped, res.Invalid)
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "marks %s (commit=%s, built=%s, go=%s)\n",
						version.Version, version.Commit, version.BuildDate, version.GoVersion)
					return nil
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatalf("❌ marks failed: %v", err)
	}
}

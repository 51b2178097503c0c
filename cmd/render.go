package cmd

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/strata-data/strata/pkg/pipeline"
	"github.com/strata-data/strata/pkg/window"
)

func Render() *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "print the queries a run would execute, without touching any connection",
		ArgsUsage: "[path to the pipeline file]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "start-date",
				Usage: "start of an explicit extraction window, requires --end-date",
			},
			&cli.StringFlag{
				Name:  "end-date",
				Usage: "exclusive end of an explicit extraction window, requires --start-date",
			},
			&cli.BoolFlag{
				Name:  "full-refresh",
				Usage: "render the full-refresh variant of each load",
			},
		},
		Action: func(c *cli.Context) error {
			pipelinePath := c.Args().Get(0)
			if pipelinePath == "" {
				pipelinePath = defaultPipelineFile
			}

			start, end, err := parseRunDates(c.String("start-date"), c.String("end-date"))
			if err != nil {
				errorPrinter.Printf("%s\n", err)
				return cli.Exit("", 1)
			}

			p, err := pipeline.LoadFromFile(fs, pipelinePath)
			if err != nil {
				errorPrinter.Printf("Failed to load the pipeline: %s\n", err)
				return cli.Exit("", 1)
			}

			fullRefresh := c.Bool("full-refresh")
			for _, load := range p.Loads {
				infoPrinter.Printf("%s %s\n", load.Name, faint("("+string(load.Type)+", "+string(load.Mode(fullRefresh))+")"))
				infoPrinter.Printf("  %s\n\n", renderSourceSQL(load, start, end, fullRefresh))
			}

			return nil
		},
	}
}

func renderSourceSQL(load *pipeline.Load, start, end *time.Time, fullRefresh bool) string {
	if load.Type != pipeline.LoadTypeFact || fullRefresh {
		return load.SourceSQL("")
	}

	if start != nil && end != nil {
		win := window.Window{Mode: window.IncrementalRun, Column: load.IncrementalKey, Start: start, End: end}
		return load.SourceSQL(win.Predicate())
	}

	// The real watermark is only known at run time.
	return load.SourceSQL(load.IncrementalKey + " > <watermark>")
}

package cmd

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/strata-data/strata/pkg/config"
	"github.com/strata-data/strata/pkg/connection"
	"github.com/strata-data/strata/pkg/date"
	"github.com/strata-data/strata/pkg/executor"
	"github.com/strata-data/strata/pkg/loader"
	"github.com/strata-data/strata/pkg/pipeline"
	"github.com/strata-data/strata/pkg/state"
)

func Run(isDebug *bool) *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run the loads defined in a pipeline file",
		ArgsUsage: "[path to the pipeline file]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigFile,
				Usage:   "the connection configuration file",
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Value:   8,
				Usage:   "number of loads to run in parallel",
			},
			&cli.StringFlag{
				Name:  "load",
				Usage: "run only the load with the given name",
			},
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
				Usage: "ignore watermarks and rebuild the destinations from scratch",
			},
			&cli.StringFlag{
				Name:  "connection",
				Usage: "override the default connection for the run",
			},
		},
		Action: func(c *cli.Context) error {
			logger := makeLogger(*isDebug)

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

			loads := p.Loads
			if name := c.String("load"); name != "" {
				load := p.GetLoadByName(name)
				if load == nil {
					errorPrinter.Printf("The pipeline has no load named '%s'\n", name)
					return cli.Exit("", 1)
				}
				loads = []*pipeline.Load{load}
			}

			cfg, err := config.LoadOrCreate(fs, c.String("config"))
			if err != nil {
				errorPrinter.Printf("Failed to load the configuration: %s\n", err)
				return cli.Exit("", 1)
			}

			manager, err := connection.NewManagerFromConfig(c.Context, cfg)
			if err != nil {
				errorPrinter.Printf("Failed to set up the connections: %s\n", err)
				return cli.Exit("", 1)
			}

			defaultConnection := c.String("connection")
			if defaultConnection == "" {
				defaultConnection = cfg.DefaultConnection
			}

			runner := &loadRunner{
				loader: loader.New(managerPool{manager}, logger),
				opts: loader.Options{
					FullRefresh:       c.Bool("full-refresh"),
					Start:             start,
					End:               end,
					DefaultConnection: defaultConnection,
				},
			}

			infoPrinter.Printf("Running %d load(s) from %s\n\n", len(loads), pipelinePath)
			runStart := time.Now()

			results := executor.NewConcurrent(logger, runner, c.Int("workers")).Run(c.Context, loads)

			runState := state.NewState(p.Name, map[string]string{
				"full_refresh": strconv.FormatBool(c.Bool("full-refresh")),
				"start_date":   c.String("start-date"),
				"end_date":     c.String("end-date"),
			})
			for _, res := range results {
				runState.Record(res)
			}

			if err := runState.Save(fs, runStateDirectory); err != nil {
				logger.Warnf("failed to persist the run state: %s", err)
			}

			duration := time.Since(runStart).Truncate(time.Millisecond)
			if failed := runState.Failed(); failed > 0 {
				errorPrinter.Printf("\n%d of %d load(s) failed %s\n", failed, len(results), faint("("+duration.String()+")"))
				return cli.Exit("", 1)
			}

			successPrinter.Printf("\nCompleted %d load(s) successfully %s\n", len(results), faint("("+duration.String()+")"))
			return nil
		},
	}
}

// parseRunDates validates the explicit window flags: both or neither must be
// given, and the window has to be non-empty.
func parseRunDates(startRaw, endRaw string) (*time.Time, *time.Time, error) {
	if startRaw == "" && endRaw == "" {
		return nil, nil, nil
	}
	if startRaw == "" || endRaw == "" {
		return nil, nil, errors.New("--start-date and --end-date must be given together")
	}

	start, err := date.ParseTime(startRaw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse the start date '%s'", startRaw)
	}

	end, err := date.ParseTime(endRaw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to parse the end date '%s'", endRaw)
	}

	if !end.After(start) {
		return nil, nil, errors.Errorf("the end date %s must be after the start date %s", endRaw, startRaw)
	}

	return &start, &end, nil
}

type loadRunner struct {
	loader *loader.Loader
	opts   loader.Options
}

func (r *loadRunner) Run(ctx context.Context, load *pipeline.Load) error {
	return r.loader.Run(ctx, load, r.opts)
}

// managerPool narrows the connection manager to what the loader needs.
type managerPool struct {
	manager *connection.Manager
}

func (p managerPool) GetConnection(name string) loader.Connection {
	conn := p.manager.GetConnection(name)
	if conn == nil {
		return nil
	}
	return conn
}

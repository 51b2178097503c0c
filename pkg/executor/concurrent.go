package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/strata-data/strata/pkg/logger"
	"github.com/strata-data/strata/pkg/pipeline"
)

var (
	colors = []color.Attribute{
		color.FgBlue,
		color.FgMagenta,
		color.FgCyan,
		color.FgWhite,
		color.FgHiMagenta,
		color.FgHiBlue,
		color.FgHiCyan,
	}
	faint = color.New(color.Faint).SprintFunc()
)

const timeFormat = "2006-01-02 15:04:05"

// Runner executes a single declared load end to end.
type Runner interface {
	Run(ctx context.Context, load *pipeline.Load) error
}

// Result is the outcome of one load within a run.
type Result struct {
	Load     *pipeline.Load
	Error    error
	Duration time.Duration
}

// Concurrent fans a set of loads out over a fixed pool of workers. Loads are
// independent of each other, so ordering between them is not guaranteed.
type Concurrent struct {
	runner      Runner
	logger      logger.Logger
	workerCount int
}

func NewConcurrent(log logger.Logger, runner Runner, workerCount int) *Concurrent {
	if workerCount < 1 {
		workerCount = 1
	}

	return &Concurrent{
		runner:      runner,
		logger:      log,
		workerCount: workerCount,
	}
}

// Run executes every load and returns one result per load. A failing load
// does not stop the others.
func (c *Concurrent) Run(ctx context.Context, loads []*pipeline.Load) []*Result {
	input := make(chan *pipeline.Load, len(loads))
	for _, load := range loads {
		input <- load
	}
	close(input)

	results := make(chan *Result, len(loads))

	var printLock sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < c.workerCount; i++ {
		w := &worker{
			id:        fmt.Sprintf("worker-%d", i),
			runner:    c.runner,
			logger:    c.logger,
			printer:   color.New(colors[i%len(colors)]),
			printLock: &printLock,
		}
		group.Go(func() error {
			w.run(groupCtx, input, results)
			return nil
		})
	}

	_ = group.Wait()
	close(results)

	collected := make([]*Result, 0, len(loads))
	for res := range results {
		collected = append(collected, res)
	}

	return collected
}

type worker struct {
	id        string
	runner    Runner
	logger    logger.Logger
	printer   *color.Color
	printLock *sync.Mutex
}

func (w *worker) run(ctx context.Context, input <-chan *pipeline.Load, results chan<- *Result) {
	for load := range input {
		w.printLock.Lock()
		w.printer.Printf("[%s] Starting: %s\n", time.Now().Format(timeFormat), load.Name)
		w.printLock.Unlock()

		start := time.Now()
		err := w.runner.Run(ctx, load)
		duration := time.Since(start)

		if err != nil {
			w.logger.Errorf("load %s failed: %s", load.Name, err)
		}

		w.printLock.Lock()
		res := "Finished"
		if err != nil {
			res = "Failed"
		}
		durationString := fmt.Sprintf("(%s)", duration.Truncate(time.Millisecond).String())
		w.printer.Printf("[%s] %s: %s %s\n", time.Now().Format(timeFormat), res, load.Name, faint(durationString))
		w.printLock.Unlock()

		results <- &Result{
			Load:     load,
			Error:    err,
			Duration: duration,
		}
	}
}

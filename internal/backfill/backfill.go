package backfill

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"nyyu-stream/internal/models"
	"nyyu-stream/internal/services/history"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// CandleWriter is the write side of the candle repository.
type CandleWriter interface {
	InsertCandles(ctx context.Context, source string, candles []models.Candle) error
}

// Job backfills period worth of closed candles for every symbol and interval.
type Job struct {
	Symbols   []string
	Intervals []time.Duration
	Period    time.Duration
	Workers   int
}

func (j *Job) String() string {
	return fmt.Sprintf("%d symbols x %d intervals over %s", len(j.Symbols), len(j.Intervals), j.Period)
}

type task struct {
	key models.StreamKey
}

type result struct {
	Task    task
	Count   int
	Error   error
	Skipped bool
}

// Summary counts task outcomes.
type Summary struct {
	Tasks     int
	Succeeded int
	Skipped   int
	Failed    int
	Candles   int
}

type Backfiller struct {
	provider history.Provider
	writer   CandleWriter
	logger   *logrus.Logger
	progress io.Writer
}

// New creates a backfiller. Progress is drawn on stderr.
func New(provider history.Provider, writer CandleWriter, logger *logrus.Logger) *Backfiller {
	return &Backfiller{
		provider: provider,
		writer:   writer,
		logger:   logger,
		progress: os.Stderr,
	}
}

// SetProgressOutput redirects the progress bar.
func (b *Backfiller) SetProgressOutput(w io.Writer) {
	b.progress = w
}

// Run executes job with a worker pool and returns the summary. It fails when
// any task failed.
func (b *Backfiller) Run(ctx context.Context, job *Job) (Summary, error) {
	var tasks []task
	for _, iv := range job.Intervals {
		for _, s := range job.Symbols {
			tasks = append(tasks, task{key: models.StreamKey{Symbol: s, Interval: iv}})
		}
	}

	workers := job.Workers
	if workers <= 0 {
		workers = 1
	}

	taskChan := make(chan task, len(tasks))
	resultChan := make(chan result, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskChan {
				resultChan <- b.process(ctx, t, job.Period)
			}
		}()
	}

	for _, t := range tasks {
		taskChan <- t
	}
	close(taskChan)

	bar := progressbar.NewOptions(len(tasks),
		progressbar.OptionSetWriter(b.progress),
		progressbar.OptionSetDescription("Backfilling "+job.String()),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	sum := Summary{Tasks: len(tasks)}
	for r := range resultChan {
		_ = bar.Add(1)
		switch {
		case r.Error != nil:
			sum.Failed++
			b.logger.Warnf("%s: %v", r.Task.key, r.Error)
		case r.Skipped:
			sum.Skipped++
		default:
			sum.Succeeded++
			sum.Candles += r.Count
			b.logger.Debugf("%s: %d candles", r.Task.key, r.Count)
		}
	}
	_ = bar.Finish()

	b.logger.WithFields(logrus.Fields{
		"tasks":     sum.Tasks,
		"succeeded": sum.Succeeded,
		"skipped":   sum.Skipped,
		"failed":    sum.Failed,
		"candles":   sum.Candles,
	}).Info("Backfill summary")

	if sum.Failed > 0 {
		return sum, fmt.Errorf("backfill completed with %d failures", sum.Failed)
	}
	return sum, nil
}

func (b *Backfiller) process(ctx context.Context, t task, period time.Duration) result {
	candles, err := b.provider.GetHistoricalSeries(ctx, t.key.Symbol, period, t.key.Interval)
	if err != nil {
		return result{Task: t, Error: err}
	}

	closed := candles[:0:0]
	for _, c := range candles {
		if c.IsClosed {
			closed = append(closed, c)
		}
	}
	if len(closed) == 0 {
		return result{Task: t, Skipped: true}
	}

	if err := b.writer.InsertCandles(ctx, "backfill", closed); err != nil {
		return result{Task: t, Error: fmt.Errorf("failed to insert candles: %w", err)}
	}
	return result{Task: t, Count: len(closed)}
}

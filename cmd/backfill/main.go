package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"nyyu-stream/internal/backfill"
	"nyyu-stream/internal/config"
	"nyyu-stream/internal/models"
	"nyyu-stream/internal/repository"
	"nyyu-stream/internal/services/history"

	"github.com/sirupsen/logrus"
)

func main() {
	symbols := flag.String("symbols", "", "Comma-separated symbols (e.g., AAPL,MSFT); defaults to DEFAULT_SYMBOLS")
	intervals := flag.String("intervals", "1m,1h,1d", "Comma-separated intervals or 'all'")
	period := flag.Duration("period", 7*24*time.Hour, "Lookback period")
	workers := flag.Int("workers", 5, "Number of parallel workers")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}

	symbolList := cfg.Stream.DefaultSymbols
	if *symbols != "" {
		symbolList = splitList(strings.ToUpper(*symbols))
	}
	if len(symbolList) == 0 {
		fmt.Println("Error: no symbols given")
		flag.Usage()
		os.Exit(1)
	}

	intervalList, err := parseIntervals(*intervals)
	if err != nil {
		logger.Fatalf("Invalid intervals: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := repository.Open(ctx, cfg.ClickHouse, "")
	if err != nil {
		logger.Fatal(err)
	}
	defer conn.Close()

	provider := history.NewRESTProvider(cfg.History.BaseURL, cfg.Upstream.APIKey, cfg.History.Timeout, logger,
		history.WithRateLimit(cfg.History.RequestsPerSec, cfg.History.Burst))
	b := backfill.New(provider, repository.NewCandleRepository(conn, logger), logger)

	job := &backfill.Job{
		Symbols:   symbolList,
		Intervals: intervalList,
		Period:    *period,
		Workers:   *workers,
	}
	logger.Infof("Starting backfill: %s", job.String())

	if _, err := b.Run(ctx, job); err != nil {
		logger.Fatalf("Backfill failed: %v", err)
	}
	logger.Info("Backfill completed successfully")
}

func parseIntervals(input string) ([]time.Duration, error) {
	labels := splitList(input)
	if input == "all" {
		labels = models.ValidIntervals()
	}

	out := make([]time.Duration, 0, len(labels))
	for _, l := range labels {
		d, err := models.ParseInterval(l)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func splitList(input string) []string {
	var out []string
	for _, s := range strings.Split(input, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

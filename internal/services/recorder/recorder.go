package recorder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
)

// CandleWriter is the write side of the candle repository.
type CandleWriter interface {
	InsertCandles(ctx context.Context, source string, candles []models.Candle) error
}

// Recorder persists closed live candles in batches. Updated events are
// ignored; only a candle's final value is stored.
type Recorder struct {
	writer    CandleWriter
	logger    *logrus.Logger
	batchSize int
	interval  time.Duration

	batchChan chan models.Candle
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup

	written int64
	failed  int64
	dropped int64
}

func NewRecorder(writer CandleWriter, batchSize int, interval time.Duration, logger *logrus.Logger) *Recorder {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Recorder{
		writer:    writer,
		logger:    logger,
		batchSize: batchSize,
		interval:  interval,
		batchChan: make(chan models.Candle, batchSize*4),
		stopChan:  make(chan struct{}),
	}
}

func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.batchWriter(ctx)
}

// Stop flushes pending candles and waits for the writer.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func (r *Recorder) OnCandle(ev models.CandleEvent) {
	if ev.Kind != models.EventClosed {
		return
	}
	select {
	case r.batchChan <- ev.Candle:
	default:
		atomic.AddInt64(&r.dropped, 1)
		r.logger.WithField("key", ev.Candle.Key().String()).Warn("Recorder buffer full, dropping closed candle")
	}
}

func (r *Recorder) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"written": atomic.LoadInt64(&r.written),
		"failed":  atomic.LoadInt64(&r.failed),
		"dropped": atomic.LoadInt64(&r.dropped),
		"pending": len(r.batchChan),
	}
}

func (r *Recorder) batchWriter(ctx context.Context) {
	defer r.wg.Done()

	batch := make([]models.Candle, 0, r.batchSize)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		if err := r.writer.InsertCandles(wctx, "live", batch); err != nil {
			atomic.AddInt64(&r.failed, int64(len(batch)))
			metrics.DatabaseErrors.WithLabelValues("insert").Inc()
			r.logger.WithError(err).Errorf("Failed to persist %d closed candles", len(batch))
		} else {
			atomic.AddInt64(&r.written, int64(len(batch)))
			r.logger.Debugf("Persisted %d closed candles", len(batch))
		}

		batch = make([]models.Candle, 0, r.batchSize)
	}

	for {
		select {
		case <-ctx.Done():
			r.drainInto(&batch)
			flush()
			return
		case <-r.stopChan:
			r.drainInto(&batch)
			flush()
			return
		case candle := <-r.batchChan:
			batch = append(batch, candle)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) drainInto(batch *[]models.Candle) {
	for {
		select {
		case c := <-r.batchChan:
			*batch = append(*batch, c)
		default:
			return
		}
	}
}

package forward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jglowsoap/jimini/internal/audit"
	"github.com/jglowsoap/jimini/internal/config"
	"github.com/jglowsoap/jimini/internal/metrics"
)

const (
	reasonCircuitOpen     = "circuit_open"
	reasonDeliveryFailure = "delivery_failure"
	reasonQueueFull       = "queue_full"
)

// Forwarder fans sealed audit records out to every configured sink, isolating
// each behind its breaker and parking failures in the dead-letter queue. It
// is fully asynchronous: Enqueue never blocks the evaluate response path.
type Forwarder struct {
	logger   *slog.Logger
	sinks    []Sink
	breakers *BreakerManager
	dlq      *DeadLetterQueue
	metrics  *metrics.Recorder

	queue          chan audit.Record
	replayInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// New assembles the forwarder from its collaborators.
func New(logger *slog.Logger, cfg config.ForwarderConfig, sinks []Sink, breakers *BreakerManager, dlq *DeadLetterQueue, rec *metrics.Recorder) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	replayInterval := cfg.ReplayInterval
	if replayInterval <= 0 {
		replayInterval = 30 * time.Second
	}
	return &Forwarder{
		logger:         logger.With(slog.String("subsystem", "forwarder")),
		sinks:          sinks,
		breakers:       breakers,
		dlq:            dlq,
		metrics:        rec,
		queue:          make(chan audit.Record, queueSize),
		replayInterval: replayInterval,
	}
}

// Start launches the delivery worker and the dead-letter replayer.
func (f *Forwarder) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case rec := <-f.queue:
				f.dispatch(runCtx, rec)
			}
		}
	}()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.replayInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				f.Replay(runCtx)
			}
		}
	}()
}

// Stop halts the workers. Queued records that were not yet dispatched are
// dead-lettered so nothing silently disappears across a restart.
func (f *Forwarder) Stop() {
	f.once.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		f.wg.Wait()
		for {
			select {
			case rec := <-f.queue:
				for _, sink := range f.sinks {
					f.deadLetter(sink.Name(), rec, "shutdown", 0)
				}
			default:
				return
			}
		}
	})
}

// Enqueue hands a record to the delivery worker. A full queue falls through
// directly to the dead-letter queue rather than stalling an evaluation.
func (f *Forwarder) Enqueue(rec audit.Record) {
	if len(f.sinks) == 0 {
		return
	}
	select {
	case f.queue <- rec:
	default:
		f.logger.Warn("forwarder queue full, dead-lettering", slog.String("request_id", rec.RequestID))
		for _, sink := range f.sinks {
			f.deadLetter(sink.Name(), rec, reasonQueueFull, 0)
		}
	}
}

// BreakerStates exposes breaker health for /health.
func (f *Forwarder) BreakerStates() map[string]CircuitMetrics {
	return f.breakers.States()
}

// DeadLetterStats exposes queue totals for /health.
func (f *Forwarder) DeadLetterStats() DeadLetterStats {
	return f.dlq.Stats()
}

func (f *Forwarder) dispatch(ctx context.Context, rec audit.Record) {
	for _, sink := range f.sinks {
		f.deliverOne(ctx, sink, rec)
	}
}

func (f *Forwarder) deliverOne(ctx context.Context, sink Sink, rec audit.Record) {
	breaker := f.breakers.Get(sink.Name())
	err := breaker.Call(func() error {
		return sink.Deliver(ctx, rec)
	})
	switch {
	case err == nil:
		f.metrics.ObserveDelivery(sink.Name(), "success")
	case err == ErrCircuitOpen:
		f.metrics.ObserveDelivery(sink.Name(), "rejected")
		f.deadLetter(sink.Name(), rec, reasonCircuitOpen, 0)
	default:
		f.metrics.ObserveDelivery(sink.Name(), "failure")
		f.logger.Warn("sink delivery failed",
			slog.String("sink", sink.Name()),
			slog.String("request_id", rec.RequestID),
			slog.Any("error", err))
		f.deadLetter(sink.Name(), rec, reasonDeliveryFailure, 0)
	}
}

func (f *Forwarder) deadLetter(target string, rec audit.Record, reason string, retryCount int) {
	f.dlq.Write(target, rec, reason, retryCount)
	f.metrics.ObserveDeadLetter(target, reason)
}

// Replay retries parked entries per target in FIFO order whenever the
// target's breaker is closed. A fully drained target is cleared; a partial
// drain requeues the remainder, with the retry count bumped on the entry that
// failed and the entries after it left untried and unchanged.
func (f *Forwarder) Replay(ctx context.Context) {
	for _, sink := range f.sinks {
		breaker := f.breakers.Get(sink.Name())
		if !breaker.Closed() {
			continue
		}
		entries, err := f.dlq.Read(sink.Name())
		if err != nil {
			f.logger.Warn("cannot read dead-letter backlog", slog.String("sink", sink.Name()), slog.Any("error", err))
			continue
		}
		if len(entries) == 0 {
			continue
		}

		var remaining []DeadLetterEntry
		for i, entry := range entries {
			if len(remaining) > 0 {
				remaining = append(remaining, entry)
				continue
			}
			err := breaker.Call(func() error {
				return sink.Deliver(ctx, entry.OriginalEvent)
			})
			if err != nil {
				retry := entry
				retry.RetryCount++
				remaining = append(remaining, retry)
				f.logger.Warn("replay delivery failed",
					slog.String("sink", sink.Name()),
					slog.Int("drained", i),
					slog.Any("error", err))
				continue
			}
			f.metrics.ObserveDelivery(sink.Name(), "replayed")
		}

		if len(remaining) == 0 {
			if err := f.dlq.Clear(sink.Name()); err != nil {
				f.logger.Warn("cannot clear drained dead-letter backlog", slog.String("sink", sink.Name()), slog.Any("error", err))
			} else {
				f.logger.Info("dead-letter backlog drained", slog.String("sink", sink.Name()), slog.Int("events", len(entries)))
			}
			continue
		}
		if err := f.dlq.Requeue(sink.Name(), remaining); err != nil {
			f.logger.Warn("cannot requeue dead-letter backlog", slog.String("sink", sink.Name()), slog.Any("error", err))
		}
	}
}

package payout

import (
	"context"
	"log/slog"
	"time"
)

// WorkerOptions controls the payout worker loops.
type WorkerOptions struct {
	SweepInterval time.Duration // default: 1m
	SweepBatch    int           // default: 50
}

// Worker consumes the payout stream and periodically sweeps the withdrawals
// table for due rows the stream missed.
type Worker struct {
	queue      *StreamQueue
	dispatcher *Dispatcher
	opt        WorkerOptions
	logger     *slog.Logger
}

// NewWorker builds a worker with defaults applied to opt.
func NewWorker(queue *StreamQueue, dispatcher *Dispatcher, opt WorkerOptions, logger *slog.Logger) *Worker {
	if opt.SweepInterval <= 0 {
		opt.SweepInterval = time.Minute
	}
	if opt.SweepBatch <= 0 {
		opt.SweepBatch = 50
	}
	return &Worker{queue: queue, dispatcher: dispatcher, opt: opt, logger: logger}
}

// Run blocks until ctx is cancelled. Without a queue only the sweep runs.
func (w *Worker) Run(ctx context.Context, consumer string) {
	if w.queue == nil {
		w.sweepLoop(ctx)
		return
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.sweepLoop(ctx)
	}()
	w.streamLoop(ctx, consumer)
	<-done
}

func (w *Worker) streamLoop(ctx context.Context, consumer string) {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		w.logger.Error("create payout consumer group", slog.Any("error", err))
	}
	if msgs, err := w.queue.Reclaim(ctx, consumer); err != nil {
		w.logger.Error("reclaim payout messages", slog.Any("error", err))
	} else {
		w.handle(ctx, msgs)
	}

	backoff := 200 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := w.queue.Read(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("read payout stream", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 200 * time.Millisecond
		w.handle(ctx, msgs)
	}
}

// handle acknowledges a message once the dispatcher has recorded an outcome.
// A storage failure leaves it pending for reclaim.
func (w *Worker) handle(ctx context.Context, msgs []Message) {
	for _, m := range msgs {
		if m.WithdrawalID != "" {
			if err := w.dispatcher.Dispatch(ctx, m.WithdrawalID); err != nil {
				w.logger.Error("dispatch payout", slog.String("withdrawal_id", m.WithdrawalID), slog.Any("error", err))
				continue
			}
		}
		if err := w.queue.Ack(ctx, m.ID); err != nil {
			w.logger.Error("ack payout message", slog.String("message_id", m.ID), slog.Any("error", err))
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.dispatcher.Sweep(ctx, w.opt.SweepBatch)
			if err != nil {
				w.logger.Error("payout sweep", slog.Int("attempted", n), slog.Any("error", err))
			} else if n > 0 {
				w.logger.Info("payout sweep", slog.Int("attempted", n))
			}
		}
	}
}

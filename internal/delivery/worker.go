package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/reportanalyzer/billing/internal/metrics"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultConcurrency = 4
	DefaultBatchSize   = 50
)

// Queue is the slice of the store the worker drains.
type Queue interface {
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	RemoveDelivery(ctx context.Context, id string) error
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	From        string
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

// Worker sends due deliveries on a fixed interval.
type Worker struct {
	queue  Queue
	sender Sender
	cfg    WorkerConfig
	now    func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(queue Queue, sender Sender, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Worker{
		queue:  queue,
		sender: sender,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run drains the queue once immediately and then on every tick until ctx ends.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Dur("interval", w.cfg.Interval).Msg("Delivery worker started")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Delivery worker cycle failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Delivery worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Stats summarizes one worker cycle.
type Stats struct {
	Deliveries int
	Sent       int
	Failed     int
}

// RunOnce sends every due delivery to all its recipients and then removes
// it, whether or not the sends succeeded.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	due, err := w.queue.DueDeliveries(ctx, w.now(), w.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, d := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		sent, failed := w.send(ctx, d)
		stats.Deliveries++
		stats.Sent += sent
		stats.Failed += failed

		if err := w.queue.RemoveDelivery(ctx, d.ID); err != nil {
			log.Error().Err(err).Str("delivery_id", d.ID).Msg("Failed to remove delivery; it will be sent again")
		}
	}
	return stats, nil
}

func (w *Worker) send(ctx context.Context, d *Delivery) (int, int) {
	var sent, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)

	for _, to := range d.Recipients {
		g.Go(func() error {
			msg := Message{
				From:        w.cfg.From,
				To:          to,
				Subject:     d.Subject(),
				Text:        d.Body,
				Attachments: d.Attachments,
			}
			if err := w.sender.Send(ctx, msg); err != nil {
				failed.Add(1)
				metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
				log.Error().Err(err).
					Str("delivery_id", d.ID).
					Str("uid", d.UID).
					Str("to", to).
					Msg("Scheduled delivery send failed")
				return nil
			}
			sent.Add(1)
			metrics.DeliveriesTotal.WithLabelValues("sent").Inc()
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Str("delivery_id", d.ID).
		Str("uid", d.UID).
		Int64("sent", sent.Load()).
		Int64("failed", failed.Load()).
		Msg("Scheduled delivery processed")
	return int(sent.Load()), int(failed.Load())
}
